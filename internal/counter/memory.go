package counter

import (
	"context"
	"sync"
	"time"

	"github.com/keyrelay/gateway/internal/core"
)

type window struct {
	count       int
	windowStart time.Time
}

type budgetCell struct {
	used    int64
	resetAt time.Time
}

type tokenCell struct {
	usage   core.Usage
	resetAt time.Time
}

// MemoryStore is the single-node Store: maps guarded by a mutex with a
// periodic sweeper for expired windows.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	budgets map[string]*budgetCell
	tokens  map[string]*tokenCell
	now     func() time.Time
}

// NewMemoryStore creates the store and starts its sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]*window),
		budgets: make(map[string]*budgetCell),
		tokens:  make(map[string]*tokenCell),
		now:     time.Now,
	}
	go s.sweep()
	return s
}

// CheckRateLimit implements Store with a fixed window anchored at the
// first request of the window.
func (s *MemoryStore) CheckRateLimit(_ context.Context, key string, limit int, windowLen time.Duration) (RateResult, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.windowStart) >= windowLen {
		w = &window{windowStart: now}
		s.windows[key] = w
	}
	w.count++

	resetAt := w.windowStart.Add(windowLen)
	if w.count > limit {
		return RateResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return RateResult{Allowed: true, Remaining: limit - w.count, ResetAt: resetAt}, nil
}

// CheckBudget implements the conditional atomic increment.
func (s *MemoryStore) CheckBudget(_ context.Context, key string, limit int64, resetAt time.Time) (bool, int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.budgets[key]
	if !ok || now.After(cell.resetAt) {
		cell = &budgetCell{resetAt: resetAt}
		s.budgets[key] = cell
	}
	if cell.used+1 > limit {
		return false, cell.used, nil
	}
	cell.used++
	return true, cell.used, nil
}

// AddTokens implements the observational counter.
func (s *MemoryStore) AddTokens(_ context.Context, key string, usage core.Usage) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cell, ok := s.tokens[key]
	if !ok {
		cell = &tokenCell{resetAt: now.Add(TokenCounterRetention)}
		s.tokens[key] = cell
	}
	cell.usage.InputTokens += usage.InputTokens
	cell.usage.OutputTokens += usage.OutputTokens
	cell.usage.TotalTokens += usage.TotalTokens
	return nil
}

// TokenUsage exposes the accumulated usage for a key (admin summaries).
func (s *MemoryStore) TokenUsage(key string) core.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cell, ok := s.tokens[key]; ok {
		return cell.usage
	}
	return core.Usage{}
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := s.now()
		s.mu.Lock()
		for key, w := range s.windows {
			if now.Sub(w.windowStart) > 2*time.Hour {
				delete(s.windows, key)
			}
		}
		for key, cell := range s.budgets {
			if now.After(cell.resetAt) {
				delete(s.budgets, key)
			}
		}
		for key, cell := range s.tokens {
			if now.After(cell.resetAt) {
				delete(s.tokens, key)
			}
		}
		s.mu.Unlock()
	}
}
