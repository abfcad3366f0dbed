package sessions

import "encoding/json"

// Optional distinguishes "field omitted" (struct field stays nil, nothing
// unmarshaled) from "field present but null" (Null=true) from "field present
// with a value" — the tri-state a sessions.patch body needs
// ("each optional, null clears, omitted leaves alone").
type Optional[T any] struct {
	Value T
	Null  bool
}

// UnmarshalJSON is only invoked when the JSON key is present at all, which
// is exactly the signal Patch needs: a *Optional[T] field that stays nil
// after decoding means the key was omitted.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		o.Null = true
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

func (o *Optional[T]) MarshalJSON() ([]byte, error) {
	if o == nil || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Str builds a present, non-null Optional[string] — a convenience for
// constructing patches in code (tests, ack payload builders) rather than
// decoding them off the wire.
func Str(v string) *Optional[string] { return &Optional[string]{Value: v} }

// Clear builds a present-but-null Optional, i.e. "clear this field".
func Clear[T any]() *Optional[T] { return &Optional[T]{Null: true} }

// Entry is the persisted per-session record. Runtime
// overrides are plain strings: an empty string after loading means "never set".
type Entry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"` // ms since epoch
	Label     string `json:"label,omitempty"`

	ThinkingLevel   string `json:"thinkingLevel,omitempty"`   // off|minimal|low|medium|high
	VerboseLevel    string `json:"verboseLevel,omitempty"`    // on|off
	ReasoningLevel  string `json:"reasoningLevel,omitempty"`  // on|off|stream
	ElevatedLevel   string `json:"elevatedLevel,omitempty"`   // on|off
	ResponseUsage   string `json:"responseUsage,omitempty"`   // on|off
	SendPolicy      string `json:"sendPolicy,omitempty"`      // allow|deny
	GroupActivation string `json:"groupActivation,omitempty"` // mention|always
	ProviderOverride string `json:"providerOverride,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`

	LastProvider  string `json:"lastProvider,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastChannel   string `json:"lastChannel,omitempty"`

	SpawnedBy string `json:"spawnedBy,omitempty"`

	SystemSent             bool   `json:"systemSent,omitempty"`
	AbortedLastRun          bool   `json:"abortedLastRun,omitempty"`
	SkillsSnapshotVersion   string `json:"skillsSnapshotVersion,omitempty"`
	ContextTokens           int    `json:"contextTokens,omitempty"`
	Model                   string `json:"model,omitempty"`
}

// Clone returns a deep copy safe to hand to a caller outside the store lock.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// Patch describes a sessions.patch request body: every field is
// optional via *Optional[T]; a nil field pointer leaves the entry's field
// untouched, a non-nil pointer with Null=true clears it, otherwise the
// entry's field is set to Value.
type Patch struct {
	Label *Optional[string] `json:"label,omitempty"`

	ThinkingLevel    *Optional[string] `json:"thinkingLevel,omitempty"`
	VerboseLevel     *Optional[string] `json:"verboseLevel,omitempty"`
	ReasoningLevel   *Optional[string] `json:"reasoningLevel,omitempty"`
	ElevatedLevel    *Optional[string] `json:"elevatedLevel,omitempty"`
	ResponseUsage    *Optional[string] `json:"responseUsage,omitempty"`
	SendPolicy       *Optional[string] `json:"sendPolicy,omitempty"`
	GroupActivation  *Optional[string] `json:"groupActivation,omitempty"`
	ProviderOverride *Optional[string] `json:"providerOverride,omitempty"`
	ModelOverride    *Optional[string] `json:"modelOverride,omitempty"`

	LastProvider  *Optional[string] `json:"lastProvider,omitempty"`
	LastTo        *Optional[string] `json:"lastTo,omitempty"`
	LastAccountID *Optional[string] `json:"lastAccountId,omitempty"`
	LastChannel   *Optional[string] `json:"lastChannel,omitempty"`

	SpawnedBy *Optional[string] `json:"spawnedBy,omitempty"`
}

var validLevels = map[string]map[string]bool{
	"thinkingLevel":   {"off": true, "minimal": true, "low": true, "medium": true, "high": true},
	"verboseLevel":    {"on": true, "off": true},
	"reasoningLevel":  {"on": true, "off": true, "stream": true},
	"elevatedLevel":   {"on": true, "off": true},
	"responseUsage":   {"on": true, "off": true},
	"sendPolicy":      {"allow": true, "deny": true},
	"groupActivation": {"mention": true, "always": true},
}

func checkLevel(field string, opt *Optional[string]) error {
	if opt == nil || opt.Null {
		return nil
	}
	allowed, ok := validLevels[field]
	if !ok {
		return nil
	}
	if !allowed[opt.Value] {
		return errInvalidLevel(field, opt.Value)
	}
	return nil
}
