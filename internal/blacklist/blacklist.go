package blacklist

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/state"

	"go.uber.org/zap"
)

type Notifier interface {
	BlacklistAdded(ctx context.Context, entry state.BlacklistEntry)
}

// Service mirrors the persisted blacklist. The cache is written only after
// the repository accepts a change, so a cached symbol is always persisted.
type Service struct {
	repo     state.BlacklistRepository
	notifier Notifier
	added    metrics.Counter
	log      *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]state.BlacklistEntry
}

func New(repo state.BlacklistRepository, notifier Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		added:    metrics.NoopCounter(),
		log:      log,
		now:      time.Now,
		entries:  make(map[string]state.BlacklistEntry),
	}
}

func (s *Service) SetAddedCounter(counter metrics.Counter) {
	if counter != nil {
		s.added = counter
	}
}

func (s *Service) Load(ctx context.Context) error {
	entries, err := s.repo.ListBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]state.BlacklistEntry, len(entries))
	for _, entry := range entries {
		s.entries[normalize(entry.Symbol)] = entry
	}
	s.log.Info("blacklist loaded", zap.Int("count", len(entries)))
	return nil
}

func (s *Service) Contains(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[normalize(symbol)]
	return ok
}

// Add blacklists symbol. code is optional.
func (s *Service) Add(ctx context.Context, symbol, reason string, code *int) error {
	entry := state.BlacklistEntry{
		Symbol:    normalize(symbol),
		Reason:    strings.TrimSpace(reason),
		ErrorCode: code,
		CreatedAt: s.now().UTC(),
	}
	if entry.Symbol == "" {
		return fmt.Errorf("blacklist: empty symbol")
	}
	if err := s.repo.AddBlacklist(ctx, entry); err != nil {
		return fmt.Errorf("blacklist %s: %w", entry.Symbol, err)
	}
	s.mu.Lock()
	s.entries[entry.Symbol] = entry
	s.mu.Unlock()
	s.added.Inc()
	fields := []zap.Field{zap.String("symbol", entry.Symbol), zap.String("reason", entry.Reason)}
	if code != nil {
		fields = append(fields, zap.Int("error_code", *code))
	}
	s.log.Warn("symbol blacklisted", fields...)
	if s.notifier != nil {
		s.notifier.BlacklistAdded(ctx, entry)
	}
	return nil
}

func (s *Service) Remove(ctx context.Context, symbol string) (bool, error) {
	symbol = normalize(symbol)
	removed, err := s.repo.RemoveBlacklist(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("unblacklist %s: %w", symbol, err)
	}
	s.mu.Lock()
	delete(s.entries, symbol)
	s.mu.Unlock()
	if removed {
		s.log.Info("symbol removed from blacklist", zap.String("symbol", symbol))
	}
	return removed, nil
}

func (s *Service) List() []state.BlacklistEntry {
	s.mu.RLock()
	out := make([]state.BlacklistEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
