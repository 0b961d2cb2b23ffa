// Package webhooks delivers gateway events to admin-registered HTTP
// endpoints, either directly or through a Cloud Tasks queue when one is
// configured.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyrelay/gateway/internal/events"
)

// Hook is one registered delivery target. Secret, when set, signs the
// payload with HMAC-SHA256 in the X-Webhook-Signature header.
type Hook struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Secret    string        `json:"-"`
	Types     []events.Type `json:"types,omitempty"` // empty = all
	CreatedAt time.Time     `json:"createdAt"`
}

// Registry holds the hook set.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string]*Hook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string]*Hook)}
}

// Add registers a hook and returns its generated id.
func (r *Registry) Add(url, secret string, types []events.Type) *Hook {
	hook := &Hook{
		ID:        uuid.NewString(),
		URL:       url,
		Secret:    secret,
		Types:     types,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.hooks[hook.ID] = hook
	r.mu.Unlock()
	return hook
}

// Remove deletes a hook by id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[id]; !ok {
		return false
	}
	delete(r.hooks, id)
	return true
}

// List returns all hooks.
func (r *Registry) List() []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, *h)
	}
	return out
}

// matches reports whether a hook wants this event type.
func (h *Hook) matches(t events.Type) bool {
	if len(h.Types) == 0 {
		return true
	}
	for _, want := range h.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Sender enqueues or sends one webhook delivery.
type Sender interface {
	Send(ctx context.Context, hook *Hook, body []byte) error
}

// Dispatcher subscribes to the bus and fans matching events out to the
// registered hooks. Delivery is best-effort with no retries of its own;
// the Cloud Tasks sender gets retries from the queue.
type Dispatcher struct {
	registry *Registry
	sender   Sender
	cancel   func()
	logger   *slog.Logger
	done     chan struct{}
}

// NewDispatcher wires the dispatcher to the bus.
func NewDispatcher(bus events.Bus, registry *Registry, sender Sender, logger *slog.Logger) *Dispatcher {
	ch, cancel := bus.Subscribe(256)
	d := &Dispatcher{
		registry: registry,
		sender:   sender,
		cancel:   cancel,
		logger:   logger.With("component", "webhooks"),
		done:     make(chan struct{}),
	}
	go d.run(ch)
	return d
}

func (d *Dispatcher) run(ch <-chan events.Event) {
	defer close(d.done)
	for event := range ch {
		body, err := json.Marshal(event)
		if err != nil {
			continue
		}
		for _, hook := range d.registry.List() {
			if !hook.matches(event.Type) {
				continue
			}
			hook := hook
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := d.sender.Send(ctx, &hook, body); err != nil {
					d.logger.Warn("webhook delivery failed",
						"hook", hook.ID, "url", hook.URL, "error", err)
				}
			}()
		}
	}
}

// Close stops consuming bus events.
func (d *Dispatcher) Close() {
	d.cancel()
	<-d.done
}

// sign computes the hex HMAC-SHA256 of body under the hook secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPSender posts payloads straight to the hook URL.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a direct sender with a 30s request timeout.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{client: &http.Client{Timeout: 30 * time.Second}}
}

func (s *HTTPSender) Send(ctx context.Context, hook *Hook, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(hook.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
