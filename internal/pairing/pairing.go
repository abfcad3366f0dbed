// Package pairing implements the node-pairing & scope engine (C10): operator
// CLI/UI instances request pairing, an already-trusted operator approves or
// rejects the request, and the resulting bearer token authorizes RPC methods
// against a static method→scope table.
//
// Adapted from sessions.Store's atomic-write persistence technique, applied
// here to a second top-level state file (pairing.json) alongside
// sessions.json, per the persistent state layout.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawgate/clawgate/internal/gatewayerr"
)

// Scope is one authorization capability a paired node can hold.
type Scope string

const (
	ScopeRead      Scope = "operator.read"
	ScopeWrite     Scope = "operator.write"
	ScopeApprovals Scope = "operator.approvals"
	ScopePairing   Scope = "operator.pairing"
	ScopeAdmin     Scope = "operator.admin"
)

// PendingPair is a not-yet-decided pairing request.
type PendingPair struct {
	RequestID   string   `json:"requestId"`
	NodeName    string   `json:"nodeName"`
	Scopes      []Scope  `json:"scopes"`
	RequestedAt int64    `json:"requestedAt"` // ms since epoch
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// PairedNode is an approved, active pairing. TokenHash is the sha256 hex
// digest of the bearer token — the plaintext token is only ever returned
// once, at Approve/RotateToken time, and never persisted.
type PairedNode struct {
	NodeID     string    `json:"nodeId"`
	NodeName   string    `json:"nodeName"`
	Scopes     []Scope   `json:"scopes"`
	TokenHash  string    `json:"tokenHash"`
	CreatedAt  int64     `json:"createdAt"`
	LastSeenAt int64     `json:"lastSeenAt,omitempty"`
	RevokedAt  int64     `json:"revokedAt,omitempty"`
}

type fileFormat struct {
	Pending map[string]*PendingPair `json:"pending"`
	Paired  map[string]*PairedNode  `json:"paired"`
}

// Store persists pending and paired nodes to a single pairing.json file
// under the gateway's state directory.
type Store struct {
	mu      sync.RWMutex
	path    string
	pending map[string]*PendingPair
	paired  map[string]*PairedNode
}

// NewStore loads path (creating an empty store if it doesn't exist yet).
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		pending: make(map[string]*PendingPair),
		paired:  make(map[string]*PairedNode),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("pairing: read %s: %w", path, err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pairing: parse %s: %w", path, err)
	}
	if f.Pending != nil {
		s.pending = f.Pending
	}
	if f.Paired != nil {
		s.paired = f.Paired
	}
	return s, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// RequestPairing registers a new pending pairing request and returns it.
func (s *Store) RequestPairing(nodeName string, scopes []Scope, fingerprint string) (*PendingPair, error) {
	if nodeName == "" {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "nodeName is required")
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	p := &PendingPair{
		RequestID:   id,
		NodeName:    nodeName,
		Scopes:      scopes,
		RequestedAt: nowMs(),
		Fingerprint: fingerprint,
	}
	s.pending[id] = p
	if err := s.persistLocked(); err != nil {
		delete(s.pending, id)
		return nil, err
	}
	return p, nil
}

// ListPending returns all outstanding pairing requests.
func (s *Store) ListPending() []*PendingPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PendingPair, 0, len(s.pending))
	for _, p := range s.pending {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// ListPaired returns all active (non-revoked) paired nodes.
func (s *Store) ListPaired() []*PairedNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PairedNode, 0, len(s.paired))
	for _, n := range s.paired {
		if n.RevokedAt != 0 {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// Approve promotes a pending request to a PairedNode and mints its bearer
// token. The plaintext token is returned exactly once; only its hash is
// persisted.
func (s *Store) Approve(requestID string) (token string, node *PairedNode, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[requestID]
	if !ok {
		return "", nil, gatewayerr.New(gatewayerr.NotFound, "pairing request %s not found", requestID)
	}

	nodeID := uuid.NewString()
	token, hash, err := mintToken()
	if err != nil {
		return "", nil, gatewayerr.Wrap(gatewayerr.Permanent, err, "mint pairing token")
	}

	n := &PairedNode{
		NodeID:    nodeID,
		NodeName:  p.NodeName,
		Scopes:    p.Scopes,
		TokenHash: hash,
		CreatedAt: nowMs(),
	}
	s.paired[nodeID] = n
	delete(s.pending, requestID)

	if err := s.persistLocked(); err != nil {
		delete(s.paired, nodeID)
		s.pending[requestID] = p
		return "", nil, err
	}
	cp := *n
	return token, &cp, nil
}

// Reject discards a pending request without creating a paired node.
func (s *Store) Reject(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[requestID]; !ok {
		return gatewayerr.New(gatewayerr.NotFound, "pairing request %s not found", requestID)
	}
	delete(s.pending, requestID)
	return s.persistLocked()
}

// Revoke marks a paired node as revoked; VerifyToken will reject it from
// then on. Nodes are never deleted outright, so an audit trail survives.
func (s *Store) Revoke(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.paired[nodeID]
	if !ok || n.RevokedAt != 0 {
		return gatewayerr.New(gatewayerr.NotFound, "paired node %s not found", nodeID)
	}
	n.RevokedAt = nowMs()
	return s.persistLocked()
}

// RotateToken mints a fresh bearer token for an already-paired node,
// invalidating the old one immediately.
func (s *Store) RotateToken(nodeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.paired[nodeID]
	if !ok || n.RevokedAt != 0 {
		return "", gatewayerr.New(gatewayerr.NotFound, "paired node %s not found", nodeID)
	}
	token, hash, err := mintToken()
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Permanent, err, "mint pairing token")
	}
	n.TokenHash = hash
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return token, nil
}

// VerifyToken resolves a bearer token to its paired node, touching
// LastSeenAt. Returns UNAUTHORIZED if the token is unknown or revoked.
func (s *Store) VerifyToken(token string) (*PairedNode, error) {
	hash := hashToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.paired {
		if n.TokenHash == hash {
			if n.RevokedAt != 0 {
				return nil, gatewayerr.New(gatewayerr.Unauthorized, "pairing token revoked")
			}
			n.LastSeenAt = nowMs()
			_ = s.persistLocked()
			cp := *n
			return &cp, nil
		}
	}
	return nil, gatewayerr.New(gatewayerr.Unauthorized, "unknown pairing token")
}

// Authorize reports whether node may call an RPC method requiring scope.
// operator.admin satisfies every scope; operator.write satisfies a
// operator.read requirement (write implies read).
func Authorize(node *PairedNode, required Scope) bool {
	if node == nil {
		return false
	}
	for _, s := range node.Scopes {
		if s == ScopeAdmin || s == required {
			return true
		}
		if required == ScopeRead && s == ScopeWrite {
			return true
		}
	}
	return false
}

func (s *Store) persistLocked() error {
	f := fileFormat{Pending: s.pending, Paired: s.paired}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("pairing: marshal: %w", err)
	}
	return atomicWrite(s.path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("pairing: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".pairing-*.tmp")
	if err != nil {
		return fmt.Errorf("pairing: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("pairing: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("pairing: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pairing: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("pairing: rename temp file: %w", err)
	}
	return nil
}

// mintToken returns a fresh bearer token plus the hash that gets persisted.
func mintToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
