package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/ratelimit"

	"go.uber.org/zap"
)

const (
	retCodeOK        = 0
	retCodeRateLimit = 10006
)

var (
	// ErrRetriesExhausted means the outcome of the call is unknown; it must
	// never be read as an empty balance or a zero price.
	ErrRetriesExhausted   = errors.New("exchange request retries exhausted")
	ErrTimestamp          = errors.New("server timestamp unavailable")
	ErrMissingCredentials = errors.New("api key and secret are required for signed requests")
	ErrNoData             = errors.New("exchange returned no data")
)

// APIError is a non-zero retCode returned by the exchange.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Code %d: %s", e.Code, e.Message)
}

// ErrorCode extracts the exchange retCode from err, if any.
func ErrorCode(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return 0, false
}

type Response struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func (r *Response) Err() error {
	if r == nil {
		return ErrNoData
	}
	if r.RetCode != retCodeOK {
		return &APIError{Code: r.RetCode, Message: r.RetMsg}
	}
	return nil
}

func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Result) == 0 {
		return ErrNoData
	}
	return json.Unmarshal(r.Result, v)
}

type Options struct {
	BaseURL           string
	Timeout           time.Duration
	APIKey            string
	APISecret         string
	RecvWindow        string
	MaxRetries        int
	RetryDelay        time.Duration
	RetryAfterDefault time.Duration
}

type Client struct {
	baseURL           string
	apiKey            string
	apiSecret         string
	recvWindow        string
	maxRetries        int
	retryDelay        time.Duration
	retryAfterDefault time.Duration

	http    *http.Client
	limiter ratelimit.Limiter
	log     *zap.Logger
	retries metrics.Counter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options, limiter ratelimit.Limiter, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	retryAfter := opts.RetryAfterDefault
	if retryAfter <= 0 {
		retryAfter = 5 * time.Second
	}
	recvWindow := opts.RecvWindow
	if recvWindow == "" {
		recvWindow = "5000"
	}
	return &Client{
		baseURL:           strings.TrimRight(opts.BaseURL, "/"),
		apiKey:            strings.TrimSpace(opts.APIKey),
		apiSecret:         strings.TrimSpace(opts.APISecret),
		recvWindow:        recvWindow,
		maxRetries:        maxRetries,
		retryDelay:        retryDelay,
		retryAfterDefault: retryAfter,
		http:              &http.Client{Timeout: timeout},
		limiter:           limiter,
		log:               log,
		retries:           metrics.NoopCounter(),
		now:               time.Now,
		sleep:             sleepContext,
	}
}

func (c *Client) SetRetryCounter(counter metrics.Counter) {
	if counter != nil {
		c.retries = counter
	}
}

func (c *Client) Limiter() ratelimit.Limiter {
	return c.limiter
}

func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, endpoint, params, nil, false)
}

// GetSigned is a private read; the signature covers the encoded query string.
func (c *Client) GetSigned(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, endpoint, params, nil, true)
}

func (c *Client) Post(ctx context.Context, endpoint string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, payload, true)
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body []byte, signed bool) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		last := attempt == c.maxRetries-1
		if attempt > 0 {
			c.retries.Inc()
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, endpoint); err != nil {
				return nil, err
			}
		}
		req, err := c.newRequest(ctx, method, endpoint, params, body, signed)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.log.Warn("exchange request failed",
				zap.String("method", method),
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", c.maxRetries),
				zap.Error(err),
			)
			if !last {
				if err := c.sleep(ctx, c.retryDelay*time.Duration(attempt+1)); err != nil {
					return nil, err
				}
			}
			continue
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := c.retryAfter(resp.Header.Get("Retry-After"))
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			c.log.Warn("exchange http rate limit",
				zap.String("method", method),
				zap.String("endpoint", endpoint),
				zap.Duration("retry_after", wait),
			)
			if !last {
				if err := c.sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 || readErr != nil {
			if readErr != nil {
				lastErr = readErr
			} else {
				lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(truncate(payload, 2048))))
			}
			c.log.Warn("exchange request failed",
				zap.String("method", method),
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
			if !last {
				if err := c.sleep(ctx, c.retryDelay*time.Duration(attempt+1)); err != nil {
					return nil, err
				}
			}
			continue
		}
		var out Response
		if err := json.Unmarshal(payload, &out); err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
			if !last {
				if err := c.sleep(ctx, c.retryDelay*time.Duration(attempt+1)); err != nil {
					return nil, err
				}
			}
			continue
		}
		if out.RetCode == retCodeRateLimit {
			lastErr = &APIError{Code: out.RetCode, Message: out.RetMsg}
			c.log.Warn("exchange rate limit code",
				zap.String("method", method),
				zap.String("endpoint", endpoint),
				zap.Duration("retry_delay", c.retryDelay),
			)
			if !last {
				if err := c.sleep(ctx, c.retryDelay); err != nil {
					return nil, err
				}
			}
			continue
		}
		return &out, nil
	}
	c.log.Error("exchange request retries exhausted",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("%w: %s %s: %v", ErrRetriesExhausted, method, endpoint, lastErr)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, params url.Values, body []byte, signed bool) (*http.Request, error) {
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}
	target := c.baseURL + endpoint
	if query != "" {
		target += "?" + query
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if !signed {
		return req, nil
	}
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, ErrMissingCredentials
	}
	ts, err := c.CorrectedTimestamp(ctx)
	if err != nil {
		c.log.Error("signing aborted", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, err
	}
	payload := query
	if method != http.MethodGet {
		payload = string(body)
	}
	for key, value := range SignedHeaders(c.apiKey, c.apiSecret, c.recvWindow, ts, payload) {
		req.Header.Set(key, value)
	}
	return req, nil
}

func (c *Client) retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return c.retryAfterDefault
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return c.retryAfterDefault
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
