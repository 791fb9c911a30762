package alerting

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCoolingDown is returned when an alert is suppressed by the cooldown.
var ErrCoolingDown = errors.New("alert suppressed during cooldown")

// Cooldown forwards at most one notification per window. Failed deliveries
// do not start the window.
type Cooldown struct {
	next   Notifier
	window time.Duration

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewCooldown wraps next.
func NewCooldown(next Notifier, window time.Duration) *Cooldown {
	return &Cooldown{next: next, window: window, now: time.Now}
}

// Notify forwards note unless the previous delivery is within the window.
func (c *Cooldown) Notify(ctx context.Context, note Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.window {
		return ErrCoolingDown
	}
	if err := c.next.Notify(ctx, note); err != nil {
		return err
	}
	c.last = now
	return nil
}

var _ Notifier = (*Cooldown)(nil)
