// Package circuitbreaker shields upstream providers: a resource whose
// upstream keeps failing gets short-circuited instead of hammered.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // upstream considered down, calls blocked
	StateHalfOpen              // probing whether the upstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow while the breaker blocks calls.
var ErrOpen = errors.New("circuit breaker is open")

// Settings tunes one breaker.
type Settings struct {
	// FailureThreshold is the consecutive upstream failures that trip the
	// breaker open.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// ProbeRequests is how many half-open probes may run concurrently,
	// and how many must succeed to close again.
	ProbeRequests uint32
}

// DefaultSettings trips after 5 consecutive failures and probes with 2
// requests after 30 seconds.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		ProbeRequests:    2,
	}
}

// Counts tracks request outcomes within the current state generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker guards one upstream resource.
type Breaker struct {
	resource string
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	counts   Counts
	inFlight uint32
	openedAt time.Time
}

// NewBreaker creates a closed breaker for a resource.
func NewBreaker(resource string, settings Settings, logger *slog.Logger) *Breaker {
	return &Breaker{resource: resource, settings: settings, logger: logger}
}

// Allow reports whether a call may proceed. Open breakers transition to
// half-open once the timeout elapses; half-open breakers admit a bounded
// number of probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.settings.OpenTimeout {
		b.setState(StateHalfOpen)
	}

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.settings.ProbeRequests {
			return ErrOpen
		}
	}
	b.inFlight++
	return nil
}

// Report records the outcome of a call admitted by Allow.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight > 0 {
		b.inFlight--
	}

	if success {
		b.counts.onSuccess()
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.ProbeRequests {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.onFailure()
	switch b.state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// State returns the current state, applying the open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.settings.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next == StateOpen {
		b.openedAt = time.Now()
	}
	b.counts.clear()
	b.inFlight = 0
	if b.logger != nil {
		b.logger.Warn("circuit breaker state change",
			"resource", b.resource, "from", prev.String(), "to", next.String())
	}
}

// Manager holds one breaker per resource id.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	settings Settings
	logger   *slog.Logger
}

// NewManager creates a manager that lazily builds breakers with the
// given settings.
func NewManager(settings Settings, logger *slog.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		settings: settings,
		logger:   logger,
	}
}

// Get returns the breaker for a resource, creating it on first use.
func (m *Manager) Get(resource string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[resource]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[resource]; ok {
		return b
	}
	b = NewBreaker(resource, m.settings, m.logger)
	m.breakers[resource] = b
	return b
}

// Stats describes one breaker for the admin surface.
type Stats struct {
	Resource string `json:"resource"`
	State    string `json:"state"`
	Counts   Counts `json:"counts"`
}

// Stats snapshots every breaker.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.breakers))
	for resource, b := range m.breakers {
		b.mu.Lock()
		out = append(out, Stats{Resource: resource, State: b.state.String(), Counts: b.counts})
		b.mu.Unlock()
	}
	return out
}
