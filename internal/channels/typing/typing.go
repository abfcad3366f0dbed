// Package typing drives a channel's "is typing..." indicator for the
// duration of one agent turn: most chat platform APIs only show the
// indicator for a few seconds per call, so it needs periodic renewal for as
// long as the turn runs, bounded by a hard TTL so a stuck run can't leave it
// spinning forever.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration is the hard TTL after which the controller stops itself
	// even if Stop was never called.
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-invoked to renew the
	// platform's typing indicator before it expires.
	KeepaliveInterval time.Duration
	// StartFn triggers the platform's typing indicator for one interval.
	StartFn func() error
}

// Controller renews a typing indicator on a timer until Stop is called or
// MaxDuration elapses.
type Controller struct {
	opts    Options
	stop    chan struct{}
	once    sync.Once
}

// New returns a Controller for opts without sending anything; Start fires
// the first indicator and starts the background renewal loop.
func New(opts Options) *Controller {
	return &Controller{opts: opts, stop: make(chan struct{})}
}

// Start fires the typing indicator immediately, then renews it on
// KeepaliveInterval until Stop is called or MaxDuration elapses.
func (c *Controller) Start() {
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing: initial indicator failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		defer ticker.Stop()
		deadline := time.After(c.opts.MaxDuration)
		for {
			select {
			case <-c.stop:
				return
			case <-deadline:
				return
			case <-ticker.C:
				if err := c.opts.StartFn(); err != nil {
					slog.Debug("typing: keepalive failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the renewal loop. Safe to call more than once.
func (c *Controller) Stop() {
	c.once.Do(func() {
		close(c.stop)
	})
}
