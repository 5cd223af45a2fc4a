// Package effects decides which external domain caches became stale after an
// assistant turn mutated shared data, and requests their refresh in debounced
// batches so a burst of tool calls produces one refresh per domain.
package effects

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
	"github.com/wayfarer-app/wayfarer/src/toolcat"
)

const defaultDebounce = 300 * time.Millisecond

// Refresher is one external domain store's refresh entrypoint. The engine
// never mutates domain stores directly; it only asks them to refresh.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context) error

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

// Coordinator batches domain refreshes triggered by completed assistant turns.
type Coordinator struct {
	mu         sync.Mutex
	refreshers map[toolcat.Domain]Refresher
	dirty      map[toolcat.Domain]struct{}
	timer      *time.Timer
	debounce   time.Duration
	logger     *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDebounce overrides the batching window.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.debounce = d }
}

// NewCoordinator creates a coordinator dispatching to the given refreshers.
// Domains without a registered refresher are ignored.
func NewCoordinator(refreshers map[toolcat.Domain]Refresher, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		refreshers: refreshers,
		dirty:      make(map[toolcat.Domain]struct{}),
		debounce:   defaultDebounce,
		logger:     logger.With("component", "effects"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TurnComplete inspects a finished assistant turn and marks the domains touched
// by its successful tool calls as dirty. A tool call counts only when its result
// arrived and is not an error. A non-empty dirty set restarts the debounce
// timer; timers are replaced, never stacked.
func (c *Coordinator) TurnComplete(msg *chatkit.Message) {
	if msg == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	marked := false
	for _, call := range msg.ToolCalls {
		if call.Result == nil || call.Result.IsError {
			continue
		}
		for _, domain := range toolcat.DomainsFor(call.Name) {
			c.dirty[domain] = struct{}{}
			marked = true
		}
	}
	if !marked {
		return
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.fire)
}

// Flush fires any pending refresh immediately instead of waiting for the
// debounce window, used when the engine shuts down.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.fire()
}

// Stop cancels any pending refresh without firing it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.dirty = make(map[toolcat.Domain]struct{})
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	pending := c.dirty
	c.dirty = make(map[toolcat.Domain]struct{})
	c.timer = nil
	c.mu.Unlock()

	for domain := range pending {
		refresher, ok := c.refreshers[domain]
		if !ok {
			continue
		}
		if err := refresher.Refresh(context.Background()); err != nil {
			// Refresh failures are the domain store's problem; the chat flow
			// is never interrupted by them.
			c.logger.Warn("domain refresh failed", "domain", domain, "error", err)
		} else {
			c.logger.Debug("domain refreshed", "domain", domain)
		}
	}
}
