// Package sessions implements the session store (C2): a durable
// map<SessionKey, Entry> backed by a single atomically-rewritten JSON file,
// plus (in transcript.go) the separate per-session JSONL transcript log.
//
// Adapted from GoClaw's internal/sessions/manager.go atomic-write technique
// (temp file + rename, single mutex) but restructured per the specification:
// the store file holds only metadata, never the message history.
package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawgate/clawgate/internal/gatewayerr"
)

func errInvalidLevel(field, value string) error {
	return gatewayerr.New(gatewayerr.InvalidRequest, "unknown level %q for %s", value, field)
}

// ModelAllowed reports whether a model id is in the allowed catalogue. The
// store calls it during Patch validation; the concrete set (config defaults
// + provider catalogue) is supplied by the caller at construction time.
type ModelAllowed func(model string) bool

// Store is the durable session map.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*Entry

	modelAllowed ModelAllowed
}

// NewStore opens (or creates) the store at path, loading any existing
// sessions.json. path may be empty for an in-memory-only store (tests).
func NewStore(path string, modelAllowed ModelAllowed) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]*Entry), modelAllowed: modelAllowed}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Unavailable, err, "parse sessions.json")
	}
	return s, nil
}

// Get returns a cloned snapshot of the entry, or (nil, false) if absent.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// GetOrCreate returns the existing entry or lazily creates one with a fresh
// sessionId and updatedAt=now, persisting the creation.
func (s *Store) GetOrCreate(key string) (*Entry, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{SessionID: uuid.NewString(), UpdatedAt: nowMs()}
		s.entries[key] = e
	}
	snapshot := e.Clone()
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Patch atomically applies p to the entry at key (creating it if absent),
// validating every field, and returns the resulting clone. Label uniqueness
// is enforced across the whole map; spawnedBy is settable exactly once.
func (s *Store) Patch(key string, p Patch) (*Entry, error) {
	if err := validatePatch(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &Entry{SessionID: uuid.NewString(), UpdatedAt: nowMs()}
		s.entries[key] = e
	}

	if p.Label != nil && !p.Label.Null {
		for k, other := range s.entries {
			if k != key && other.Label != "" && strings.EqualFold(other.Label, p.Label.Value) {
				return nil, gatewayerr.New(gatewayerr.InvalidRequest, "label already in use: %q", p.Label.Value)
			}
		}
	}

	if p.SpawnedBy != nil {
		if e.SpawnedBy != "" {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "spawnedBy is already set and immutable")
		}
		if !IsSubagentSession(key) {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "spawnedBy may only be set on subagent keys")
		}
	}

	if p.ModelOverride != nil && !p.ModelOverride.Null && s.modelAllowed != nil {
		if !s.modelAllowed(p.ModelOverride.Value) {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "model not in allowed set: %q", p.ModelOverride.Value)
		}
	}

	applyPatch(e, p)
	e.UpdatedAt = nowMs()

	snapshot := e.Clone()
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func validatePatch(p Patch) error {
	checks := []struct {
		field string
		opt   *Optional[string]
	}{
		{"thinkingLevel", p.ThinkingLevel},
		{"verboseLevel", p.VerboseLevel},
		{"reasoningLevel", p.ReasoningLevel},
		{"elevatedLevel", p.ElevatedLevel},
		{"responseUsage", p.ResponseUsage},
		{"sendPolicy", p.SendPolicy},
		{"groupActivation", p.GroupActivation},
	}
	for _, c := range checks {
		if err := checkLevel(c.field, c.opt); err != nil {
			return err
		}
	}
	return nil
}

func applyPatch(e *Entry, p Patch) {
	apply := func(dst *string, opt *Optional[string]) {
		if opt == nil {
			return
		}
		if opt.Null {
			*dst = ""
			return
		}
		*dst = opt.Value
	}
	apply(&e.Label, p.Label)
	apply(&e.ThinkingLevel, p.ThinkingLevel)
	apply(&e.VerboseLevel, p.VerboseLevel)
	apply(&e.ReasoningLevel, p.ReasoningLevel)
	apply(&e.ElevatedLevel, p.ElevatedLevel)
	apply(&e.ResponseUsage, p.ResponseUsage)
	apply(&e.SendPolicy, p.SendPolicy)
	apply(&e.GroupActivation, p.GroupActivation)
	apply(&e.ProviderOverride, p.ProviderOverride)
	apply(&e.ModelOverride, p.ModelOverride)
	apply(&e.LastProvider, p.LastProvider)
	apply(&e.LastTo, p.LastTo)
	apply(&e.LastAccountID, p.LastAccountID)
	apply(&e.LastChannel, p.LastChannel)
	apply(&e.SpawnedBy, p.SpawnedBy)
}

// Delete removes a session entirely. Idempotent.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return s.persistLocked()
}

// ListOptions filters and bounds a List call.
type ListOptions struct {
	Filter        func(key string, e *Entry) bool
	Limit         int
	ActiveMinutes int    // 0 = no recency filter
	SpawnedBy     string // if non-empty, only entries with this SpawnedBy
}

// ListEntry pairs a key with its entry for List results.
type ListEntry struct {
	Key   string
	Entry *Entry
}

// List returns entries sorted by UpdatedAt desc, honoring SpawnedBy scoping
// (used for sandboxed subagent visibility).
func (s *Store) List(opts ListOptions) []ListEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cutoff int64
	if opts.ActiveMinutes > 0 {
		cutoff = nowMs() - int64(opts.ActiveMinutes)*60_000
	}

	out := make([]ListEntry, 0, len(s.entries))
	for k, e := range s.entries {
		if opts.SpawnedBy != "" && e.SpawnedBy != opts.SpawnedBy {
			continue
		}
		if cutoff > 0 && e.UpdatedAt < cutoff {
			continue
		}
		if opts.Filter != nil && !opts.Filter(k, e) {
			continue
		}
		out = append(out, ListEntry{Key: k, Entry: e.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.UpdatedAt > out[j].Entry.UpdatedAt })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Resolve maps a display key, label, or the "main" alias to a canonical
// session key. mainKey resolves "main" to the agent's configured main key.
func (s *Store) Resolve(input string, mainKey string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if input == "main" && mainKey != "" {
		input = mainKey
	}
	if _, ok := s.entries[input]; ok {
		return input, true
	}
	low := strings.ToLower(input)
	for k, e := range s.entries {
		if strings.EqualFold(e.Label, low) {
			return k, true
		}
	}
	return "", false
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
