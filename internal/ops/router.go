// Package ops serves the read-only operator HTTP surface next to the
// Prometheus handler.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bybit-carry-bot/internal/ratelimit"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/strategy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Positions interface {
	List() []state.Position
	Stats(ctx context.Context) (state.Stats, error)
}

type Blacklist interface {
	List() []state.BlacklistEntry
}

type Tasks interface {
	States() map[string]strategy.State
}

type Options struct {
	Positions   Positions
	Blacklist   Blacklist
	Limiter     ratelimit.Limiter
	Tasks       Tasks
	Paused      func() bool
	Metrics     http.Handler
	MetricsPath string
}

type positionView struct {
	state.Position
	State string `json:"state,omitempty"`
}

type health struct {
	Status        string `json:"status"`
	Paused        bool   `json:"paused"`
	OpenPositions int    `json:"open_positions"`
	ActiveTasks   int    `json:"active_tasks"`
}

func NewRouter(opts Options, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &handlers{opts: opts, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/positions", h.positions)
	r.Get("/blacklist", h.blacklist)
	r.Get("/stats", h.stats)
	r.Get("/ratelimit", h.rateLimit)
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, opts.Metrics)
	}
	return r
}

type handlers struct {
	opts Options
	log  *zap.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	out := health{Status: "ok"}
	if h.opts.Paused != nil {
		out.Paused = h.opts.Paused()
	}
	if h.opts.Positions != nil {
		out.OpenPositions = len(h.opts.Positions.List())
	}
	if h.opts.Tasks != nil {
		out.ActiveTasks = len(h.opts.Tasks.States())
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) positions(w http.ResponseWriter, r *http.Request) {
	if h.opts.Positions == nil {
		h.writeJSON(w, http.StatusOK, []positionView{})
		return
	}
	var states map[string]strategy.State
	if h.opts.Tasks != nil {
		states = h.opts.Tasks.States()
	}
	list := h.opts.Positions.List()
	out := make([]positionView, 0, len(list))
	for _, pos := range list {
		out = append(out, positionView{Position: pos, State: string(states[pos.Symbol])})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) blacklist(w http.ResponseWriter, r *http.Request) {
	out := []state.BlacklistEntry{}
	if h.opts.Blacklist != nil {
		out = append(out, h.opts.Blacklist.List()...)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	if h.opts.Positions == nil {
		h.writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	stats, err := h.opts.Positions.Stats(r.Context())
	if err != nil {
		h.log.Warn("ops stats failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) rateLimit(w http.ResponseWriter, r *http.Request) {
	if h.opts.Limiter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, h.opts.Limiter.Stats())
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("ops response write failed", zap.Error(err))
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

func NewServer(addr string, handler http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("ops server shutdown failed", zap.Error(err))
		}
		return nil
	}
}
