package agent

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/clawgate/clawgate/internal/providers"
)

// heartbeatAck is the sole-text assistant reply that marks a turn as a
// heartbeat poll rather than real conversation: a reply of exactly
// HEARTBEAT_OK with no tool calls. Pruned from history before it's shown
// back to the model, along with the user turn that prompted it — heartbeats
// exist to keep a session's lastActivity fresh, not to be conversation
// content.
const heartbeatAck = "HEARTBEAT_OK"

// pruneHeartbeats drops heartbeat turns: a user message immediately
// followed by an assistant message whose only content is heartbeatAck and
// which made no tool calls. A real assistant reply (any other text, or any
// tool call) is never pruned, even if the preceding user turn was itself a
// heartbeat poll.
func pruneHeartbeats(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]providers.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == "user" && i+1 < len(msgs) && isHeartbeatAck(msgs[i+1]) {
			i++
			continue
		}
		out = append(out, m)
	}
	return out
}

// isHeartbeatAck reports whether m is an assistant turn whose sole text is
// heartbeatAck with no tool calls.
func isHeartbeatAck(m providers.Message) bool {
	return m.Role == "assistant" &&
		len(m.ToolCalls) == 0 &&
		strings.TrimSpace(m.Content) == heartbeatAck
}

// limitHistoryTurns keeps only the last N user turns (and the
// assistant/tool messages that follow each) from history. A "turn" is one
// user message plus every message after it up to the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}

	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing in session history —
// orphaned tool messages at the start of a truncated history, tool_results
// with no matching preceding tool_use, and tool_calls whose results were
// dropped by truncation all break provider APIs that validate pairing
// strictly. Every tool_call ID is also rewritten through
// sanitizeToolCallID before re-sending (strict adds the 64-char cap): a
// session that fell back from
// OpenAI (permissive charset) to Anthropic (strict charset, 64-char cap,
// unique-per-turn) would otherwise replay IDs the new provider rejects
// outright.
func sanitizeHistory(msgs []providers.Message, strict bool) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start", "tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			seen := make(map[string]bool, len(msg.ToolCalls))
			idMap := make(map[string]string, len(msg.ToolCalls))
			expectedIDs := make(map[string]bool, len(msg.ToolCalls))
			toolCalls := make([]providers.ToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				newID := sanitizeToolCallID(tc.ID, strict, seen)
				idMap[tc.ID] = newID
				tc.ID = newID
				toolCalls[j] = tc
				expectedIDs[newID] = true
			}
			msg.ToolCalls = toolCalls
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				mapped, known := idMap[toolMsg.ToolCallID]
				if known && expectedIDs[mapped] {
					toolMsg.ToolCallID = mapped
					result = append(result, toolMsg)
					delete(expectedIDs, mapped)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", toolMsg.ToolCallID)
				}
			}
			for id := range expectedIDs {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[tool result missing — session was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history", "tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}

	return result
}

// sanitizeToolCallID rewrites a tool-call ID so it satisfies a provider's
// accepted charset. Both modes allow only [A-Za-z0-9_-]; strict mode
// (Anthropic) additionally caps length at 64. When seen is non-nil, in
// either mode, uniqueness within a single assistant turn is guaranteed by
// appending a numeric suffix on collision.
func sanitizeToolCallID(id string, strict bool, seen map[string]bool) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "call"
	}
	if strict && len(out) > 64 {
		out = out[:64]
	}
	if seen == nil {
		return out
	}
	base := out
	suffix := 0
	for seen[out] {
		suffix++
		out = trimForSuffix(base, strict, suffix)
	}
	seen[out] = true
	return out
}

func trimForSuffix(base string, strict bool, n int) string {
	suf := "_" + strconv.Itoa(n)
	maxLen := len(base) + len(suf)
	if strict && maxLen > 64 {
		base = base[:64-len(suf)]
	}
	return base + suf
}
