package ratelimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"bybit-carry-bot/internal/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowLua evicts expired entries from both sets, then either records
// the call or returns the microseconds until the oldest blocking entry expires.
const slidingWindowLua = `
local reqKey = KEYS[1]
local weightKey = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local maxReq = tonumber(ARGV[3])
local maxWeight = tonumber(ARGV[4])
local weight = tonumber(ARGV[5])
local member = ARGV[6]

redis.call('ZREMRANGEBYSCORE', reqKey, '-inf', now - window)
redis.call('ZREMRANGEBYSCORE', weightKey, '-inf', now - window)

local wait = 0
local count = redis.call('ZCARD', reqKey)
if count >= maxReq then
  local oldest = redis.call('ZRANGE', reqKey, count - maxReq, count - maxReq, 'WITHSCORES')
  wait = tonumber(oldest[2]) + window - now
end

local entries = redis.call('ZRANGE', weightKey, 0, -1, 'WITHSCORES')
local total = 0
for i = 1, #entries, 2 do
  total = total + tonumber(string.match(entries[i], ':(%d+)$'))
end
local excess = total + weight - maxWeight
if excess > 0 then
  for i = 1, #entries, 2 do
    excess = excess - tonumber(string.match(entries[i], ':(%d+)$'))
    if excess <= 0 then
      local w = tonumber(entries[i + 1]) + window - now
      if w > wait then wait = w end
      break
    end
  end
end

if wait > 0 then
  return {0, wait, count, total}
end

redis.call('ZADD', reqKey, now, member)
redis.call('ZADD', weightKey, now, member .. ':' .. weight)
local ttl = math.floor(window / 1000) + 1000
redis.call('PEXPIRE', reqKey, ttl)
redis.call('PEXPIRE', weightKey, ttl)
return {1, 0, count + 1, total + weight}
`

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
}

// Redis shares one sliding window between every bot process that uses the
// same key, so several instances on one API key stay inside the exchange limit.
type Redis struct {
	rdb    *redis.Client
	script *redis.Script
	key    string
	local  *Window
	log    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	lastSeen Stats
}

func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedis(rdb *redis.Client, key string, opts Options, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		rdb:    rdb,
		script: redis.NewScript(slidingWindowLua),
		key:    key,
		local:  NewWindow(opts, log),
		log:    log,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func (r *Redis) Wait(ctx context.Context, endpoint string) error {
	weight := r.local.Weight(endpoint)
	limited := false
	for {
		allowed, wait, inWindow, weightInWindow, err := r.try(ctx, weight)
		if err != nil {
			return err
		}
		if allowed {
			r.mu.Lock()
			r.lastSeen.TotalRequests++
			r.lastSeen.TotalWeight += uint64(weight)
			if limited {
				r.lastSeen.RateLimitHits++
			}
			r.lastSeen.RequestsInWindow = inWindow
			r.lastSeen.WeightInWindow = weightInWindow
			r.mu.Unlock()
			return nil
		}
		if !limited {
			limited = true
			r.local.waits.Inc()
			r.log.Debug("shared rate limit reached, waiting",
				zap.String("endpoint", endpoint),
				zap.Duration("delay", wait),
			)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *Redis) try(ctx context.Context, weight int) (bool, time.Duration, int, int, error) {
	windowMicro := r.local.window.Microseconds()
	res, err := r.script.Run(ctx, r.rdb,
		[]string{r.key + ":requests", r.key + ":weight"},
		r.now().UnixMicro(),
		windowMicro,
		r.local.maxRequests,
		r.local.maxWeight,
		weight,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, 0, 0, fmt.Errorf("redis rate limit %s: %w", r.key, err)
	}
	if len(res) < 4 {
		return false, 0, 0, 0, fmt.Errorf("redis rate limit %s: unexpected result length %d", r.key, len(res))
	}
	return res[0] == 1, time.Duration(res[1]) * time.Microsecond, int(res[2]), int(res[3]), nil
}

func (r *Redis) SetWaitCounter(counter metrics.Counter) {
	r.local.SetWaitCounter(counter)
}

// Stats reports this process's counters and the window occupancy seen on its
// most recent admitted call.
func (r *Redis) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lastSeen
	s.MaxRequestsPerSecond = r.local.maxRequests
	s.MaxWeightPerSecond = r.local.maxWeight
	return s
}
