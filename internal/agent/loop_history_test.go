package agent

import (
	"testing"

	"github.com/clawgate/clawgate/internal/providers"
)

func TestPruneHeartbeats(t *testing.T) {
	tests := []struct {
		name string
		in   []providers.Message
		want int
	}{
		{
			name: "drops heartbeat poll and its HEARTBEAT_OK ack",
			in: []providers.Message{
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi there"},
				{Role: "user", Content: "heartbeat poll"},
				{Role: "assistant", Content: "HEARTBEAT_OK"},
				{Role: "user", Content: "bye"},
			},
			want: 3,
		},
		{
			name: "no heartbeats leaves history untouched",
			in: []providers.Message{
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi there"},
			},
			want: 2,
		},
		{
			name: "trailing heartbeat poll with no ack yet",
			in: []providers.Message{
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi there"},
				{Role: "user", Content: "heartbeat poll"},
			},
			want: 3,
		},
		{
			name: "real assistant work after a heartbeat-tagged user message is kept",
			in: []providers.Message{
				{Role: "user", Content: "[heartbeat]"},
				{Role: "assistant", Content: "something needs attention: disk is full"},
			},
			want: 2,
		},
		{
			name: "HEARTBEAT_OK with a tool call is not a heartbeat ack",
			in: []providers.Message{
				{Role: "user", Content: "poll"},
				{Role: "assistant", Content: "HEARTBEAT_OK", ToolCalls: []providers.ToolCall{{ID: "call_1", Name: "lookup"}}},
			},
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pruneHeartbeats(tt.in)
			if len(got) != tt.want {
				t.Errorf("pruneHeartbeats(%v) = %d messages, want %d", tt.in, len(got), tt.want)
			}
		})
	}
}

func TestLimitHistoryTurns(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "1"},
		{Role: "assistant", Content: "r1"},
		{Role: "user", Content: "2"},
		{Role: "assistant", Content: "r2"},
		{Role: "user", Content: "3"},
		{Role: "assistant", Content: "r3"},
	}

	t.Run("no limit returns everything", func(t *testing.T) {
		got := limitHistoryTurns(msgs, 0)
		if len(got) != len(msgs) {
			t.Errorf("expected all %d messages, got %d", len(msgs), len(got))
		}
	})

	t.Run("limit 1 keeps only the last turn", func(t *testing.T) {
		got := limitHistoryTurns(msgs, 1)
		if len(got) != 2 || got[0].Content != "3" {
			t.Errorf("limitHistoryTurns(msgs, 1) = %v, want last turn only", got)
		}
	})

	t.Run("limit exceeding turn count returns everything", func(t *testing.T) {
		got := limitHistoryTurns(msgs, 10)
		if len(got) != len(msgs) {
			t.Errorf("expected all %d messages, got %d", len(msgs), len(got))
		}
	})
}

func TestSanitizeHistory_DropsOrphanedToolMessages(t *testing.T) {
	msgs := []providers.Message{
		{Role: "tool", Content: "orphaned", ToolCallID: "abc"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}

	got := sanitizeHistory(msgs, false)
	if len(got) != 2 {
		t.Fatalf("sanitizeHistory dropped wrong count: got %d messages, want 2: %v", len(got), got)
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("sanitizeHistory(%v) = %v, want [user assistant]", msgs, got)
	}
}

func TestSanitizeHistory_SynthesizesMissingToolResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "run the tool"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "call_1", Name: "lookup"}}},
		// tool result for call_1 was dropped by truncation
		{Role: "user", Content: "follow up"},
	}

	got := sanitizeHistory(msgs, false)
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4 (user, assistant, synthesized tool, follow-up): %v", len(got), got)
	}
	if got[2].Role != "tool" || got[2].ToolCallID != got[1].ToolCalls[0].ID {
		t.Errorf("expected synthesized tool result matching assistant's tool_call id, got %+v", got[2])
	}
}

func TestSanitizeHistory_StrictRewritesToolCallIDs(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "run the tool"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "call/with:odd.chars", Name: "lookup"}}},
		{Role: "tool", Content: "result", ToolCallID: "call/with:odd.chars"},
	}

	got := sanitizeHistory(msgs, true)
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3: %v", len(got), got)
	}
	rewritten := got[1].ToolCalls[0].ID
	if rewritten == "call/with:odd.chars" {
		t.Errorf("expected strict mode to rewrite the tool_call id, got unchanged %q", rewritten)
	}
	if got[2].ToolCallID != rewritten {
		t.Errorf("tool result id %q does not match rewritten tool_call id %q", got[2].ToolCallID, rewritten)
	}
}

func TestSanitizeToolCallID(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		strict bool
	}{
		{name: "strips disallowed characters", id: "call/with:odd.chars", strict: false},
		{name: "caps length in strict mode", id: "a_very_long_tool_call_identifier_that_exceeds_the_sixty_four_character_limit_for_anthropic", strict: true},
		{name: "empty id gets a placeholder", id: "", strict: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeToolCallID(tt.id, tt.strict, nil)
			if got == "" {
				t.Errorf("sanitizeToolCallID(%q) returned empty string", tt.id)
			}
			if tt.strict && len(got) > 64 {
				t.Errorf("sanitizeToolCallID(%q, strict) = %q, longer than 64 chars", tt.id, got)
			}
			for _, r := range got {
				if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
					t.Errorf("sanitizeToolCallID(%q) = %q contains disallowed rune %q", tt.id, got, r)
				}
			}
		})
	}

	t.Run("collisions get a numeric suffix", func(t *testing.T) {
		seen := map[string]bool{}
		first := sanitizeToolCallID("call:1", false, seen)
		second := sanitizeToolCallID("call!1", false, seen)
		if first == second {
			t.Errorf("expected colliding sanitized ids to be disambiguated, both got %q", first)
		}
	})
}
