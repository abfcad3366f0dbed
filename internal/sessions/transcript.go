package sessions

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/clawgate/clawgate/internal/gatewayerr"
)

// TranscriptMessage is one JSONL line in a session's transcript. Role
// mirrors the opaque agent backend's Message.Role ("system", "user",
// "assistant", "tool"); Raw carries the provider-specific payload verbatim
// so the transcript can round-trip through provider SDK types without this
// package importing them.
type TranscriptMessage struct {
	Role string          `json:"role"`
	Raw  json.RawMessage `json:"raw"`
}

// TranscriptStore manages the append-only transcripts/<sessionId>.jsonl
// logs kept separate from sessions.json, matching the persisted-state layout
// "Transcripts as append-only logs": never rewritten in place except by the
// explicit sessions.compact admin operation.
type TranscriptStore struct {
	dir string
	mu  sync.Mutex // serializes appends across all sessions; simple and sufficient at gateway scale
}

func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if dir == "" {
		return &TranscriptStore{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &TranscriptStore{dir: dir}, nil
}

func (t *TranscriptStore) path(sessionID string) string {
	return filepath.Join(t.dir, sessionID+".jsonl")
}

// Append adds messages to the end of a session's transcript in source order.
func (t *TranscriptStore) Append(sessionID string, msgs ...TranscriptMessage) error {
	if t.dir == "" || len(msgs) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.Unavailable, err, "open transcript")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Load reads the full transcript for a session. Returns an empty slice (not
// an error) if the session has no transcript yet.
func (t *TranscriptStore) Load(sessionID string) ([]TranscriptMessage, error) {
	if t.dir == "" {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []TranscriptMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m TranscriptMessage
		if err := json.Unmarshal(line, &m); err != nil {
			continue // tolerate a partial/corrupt trailing line from a crash
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// Compact rewrites the transcript file to hold exactly msgs, for the
// explicit sessions.compact admin operation — the one sanctioned exception
// to "never rewrite in place".
func (t *TranscriptStore) Compact(sessionID string, msgs []TranscriptMessage) error {
	if t.dir == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf []byte
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return atomicWrite(t.path(sessionID), buf)
}

// Delete removes a session's transcript file. Idempotent.
func (t *TranscriptStore) Delete(sessionID string) error {
	if t.dir == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err := os.Remove(t.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
