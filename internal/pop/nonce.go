package pop

import (
	"context"
	"sync"
	"time"
)

// NonceStore guarantees at-most-once acceptance of an (appID, nonce)
// pair inside the TTL window. Reservation happens after signature
// verification so unauthenticated traffic cannot fill the store.
type NonceStore interface {
	// Reserve records the pair. Returns false when it was already seen
	// inside the window (replay).
	Reserve(ctx context.Context, appID, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore is the single-node implementation: a map guarded by a
// mutex with periodic garbage collection, mirroring the sliding-window
// limiter's cleanup pattern.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
	now  func() time.Time
}

// NewMemoryNonceStore creates the store and starts its sweeper.
func NewMemoryNonceStore() *MemoryNonceStore {
	s := &MemoryNonceStore{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
	go s.sweep()
	return s
}

func nonceKey(appID, nonce string) string {
	return appID + ":" + nonce
}

// Reserve implements NonceStore.
func (s *MemoryNonceStore) Reserve(_ context.Context, appID, nonce string, ttl time.Duration) (bool, error) {
	key := nonceKey(appID, nonce)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryNonceStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		now := s.now()
		for key, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, key)
			}
		}
		s.mu.Unlock()
	}
}
