// Package approvals implements the interactive command-approval flow
// behind the gateway RPC's exec.approval.* methods (operator.approvals
// scope): an agent turn that wants to run a sensitive tool call requests
// approval and blocks; an operator client resolves it from another
// connection.
//
// Grounded on internal/pairing's pending-request/waiter-channel pattern —
// the same shape (register a request, block on a channel, have a second
// connection resolve it) applies here, without pairing's persistence or
// token minting, since approvals are ambient for one process's lifetime
// and never need to survive a restart.
package approvals

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawgate/clawgate/internal/gatewayerr"
)

// Request describes one pending command awaiting operator sign-off.
type Request struct {
	ID          string `json:"id"`
	SessionKey  string `json:"sessionKey"`
	Summary     string `json:"summary"`
	RequestedAt int64  `json:"requestedAt"`
}

// Decision is what an operator's exec.approval.resolve call provides.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Store tracks in-flight approval requests. Zero value is unusable; use
// NewStore.
type Store struct {
	mu      sync.Mutex
	pending map[string]*Request
	waiters map[string]chan Decision
}

// NewStore returns an empty approval store.
func NewStore() *Store {
	return &Store{
		pending: make(map[string]*Request),
		waiters: make(map[string]chan Decision),
	}
}

// Request registers a new pending approval and returns it.
func (s *Store) Request(sessionKey, summary string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Request{ID: uuid.NewString(), SessionKey: sessionKey, Summary: summary, RequestedAt: time.Now().UnixMilli()}
	s.pending[r.ID] = r
	s.waiters[r.ID] = make(chan Decision, 1)
	return r
}

// List returns every currently pending request.
func (s *Store) List() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, r)
	}
	return out
}

// WaitDecision blocks until id is resolved or ctx is cancelled.
func (s *Store) WaitDecision(ctx context.Context, id string) (Decision, error) {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	s.mu.Unlock()
	if !ok {
		return Decision{}, gatewayerr.New(gatewayerr.NotFound, "approval request %s not found", id)
	}
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return Decision{}, gatewayerr.Wrap(gatewayerr.Timeout, ctx.Err(), "waiting for approval decision")
	}
}

// Resolve records an operator's decision on id and wakes any waiter.
func (s *Store) Resolve(id string, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[id]
	if !ok {
		return gatewayerr.New(gatewayerr.NotFound, "approval request %s not found", id)
	}
	delete(s.pending, id)
	delete(s.waiters, id)
	select {
	case ch <- d:
	default:
	}
	return nil
}
