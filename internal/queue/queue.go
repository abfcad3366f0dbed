// Package queue implements the per-session queue (C6): one debounced,
// coalescing worker per session key, enforcing at-most-one in-flight turn
// and bounded overflow handling.
//
// Grounded on GoClaw's per-session compaction mutex pattern
// (internal/agent/loop_history.go maybeSummarize, which TryLocks a
// sync.Map-held per-key mutex) generalized into a full debounce+batch
// worker, since the teacher repo doesn't carry a standalone queue package.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DropPolicy selects overflow behavior when queueLength exceeds Max.
type DropPolicy string

const (
	DropSummarize DropPolicy = "summarize"
	DropOld       DropPolicy = "old"
	DropNew       DropPolicy = "new"
)

// Item is one enqueued message destined for a session's next batch. Meta
// carries the caller's own per-message context (e.g. the orchestrator
// stashes the originating *bus.InboundMessage here) straight through to the
// batch handler; the queue itself never inspects it.
type Item struct {
	Text       string
	EnqueuedAt time.Time
	Meta       interface{}
}

// Options configures a Manager.
type Options struct {
	Debounce   time.Duration // default 400ms
	Max        int           // default 20
	DropPolicy DropPolicy    // default summarize
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 400 * time.Millisecond
	}
	if o.Max <= 0 {
		o.Max = 20
	}
	if o.DropPolicy == "" {
		o.DropPolicy = DropSummarize
	}
	return o
}

// Handler is invoked once per drained batch with the session key and the
// batch text (source order preserved, overflow summary appended if any).
type Handler func(ctx context.Context, key string, batch []Item)

// Manager owns one queue+worker per session key, living for the process
// lifetime.
type Manager struct {
	opts    Options
	handler Handler

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

func NewManager(opts Options, handler Handler) *Manager {
	return &Manager{opts: opts.withDefaults(), handler: handler, queues: make(map[string]*sessionQueue)}
}

type sessionQueue struct {
	mu      sync.Mutex
	items   []Item
	timer   *time.Timer
	inFlight bool
	pending bool // a batch is waiting for the in-flight turn to finish
	cancel  context.CancelFunc
}

// Enqueue is non-blocking: it appends the item and (re)arms the debounce
// timer for the session key, creating the queue lazily.
func (m *Manager) Enqueue(key string, text string) {
	m.EnqueueWithMeta(key, text, nil)
}

// EnqueueWithMeta is Enqueue plus an opaque per-item meta value passed back
// to the Handler unchanged.
func (m *Manager) EnqueueWithMeta(key string, text string, meta interface{}) {
	q := m.queueFor(key)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, Item{Text: text, EnqueuedAt: time.Now(), Meta: meta})

	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(m.opts.Debounce, func() { m.drain(key, q) })
}

func (m *Manager) queueFor(key string) *sessionQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = &sessionQueue{}
		m.queues[key] = q
	}
	return q
}

func (m *Manager) drain(key string, q *sessionQueue) {
	q.mu.Lock()
	if q.inFlight {
		// A turn is already running for this key; mark pending so the
		// worker re-drains immediately after it completes, preserving
		// at-most-one-in-flight.
		q.pending = true
		q.mu.Unlock()
		return
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.items
	if len(batch) > m.opts.Max {
		batch = applyOverflow(batch, m.opts.DropPolicy, m.opts.Max)
	}
	q.items = nil
	q.inFlight = true
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.inFlight = false
		q.cancel = nil
		rePending := q.pending
		q.pending = false
		q.mu.Unlock()
		if rePending {
			m.drain(key, q)
		}
	}()

	m.handler(ctx, key, batch)
}

// Abort drains a session's queue without invoking the handler and cancels
// any in-flight turn through its cancellation hook.
func (m *Manager) Abort(key string) {
	q := m.queueFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.pending = false
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.cancel != nil {
		q.cancel()
	}
}

// QueueLength reports the number of items currently queued (not yet
// drained) for a session key.
func (m *Manager) QueueLength(key string) int {
	q := m.queueFor(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// applyOverflow reduces items to at most max entries (plus, for the
// summarize policy, one trailing synthetic item): the synthetic block
// always describes the *oldest* dropped messages
// and is appended at the end of the batch, regardless of which policy drops
// which end.
func applyOverflow(items []Item, policy DropPolicy, max int) []Item {
	overflow := len(items) - max
	if overflow <= 0 {
		return items
	}
	switch policy {
	case DropOld:
		return items[overflow:]
	case DropNew:
		return items[:max]
	default: // summarize
		dropped := items[:overflow]
		kept := items[overflow:]
		summary := fmt.Sprintf("[Queue overflow] Dropped %d messages due to cap.", len(dropped))
		for _, d := range dropped {
			summary += "\n- " + truncate(d.Text, 160)
		}
		return append(append([]Item{}, kept...), Item{Text: summary, EnqueuedAt: time.Now()})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
