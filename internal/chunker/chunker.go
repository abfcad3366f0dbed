// Package chunker implements the text chunker (C4): splitting outbound text
// to respect per-channel length limits, markdown fence balance, and
// paren-depth, preferring natural break points over hard breaks.
//
// Grounded on GoClaw's per-channel chunkPlainText/chunkHTML helpers
// (internal/channels/telegram/format.go) and Discord's sendChunked line-cap
// logic, generalized into one channel-agnostic implementation that measures
// width with mattn/go-runewidth so CJK-heavy channel text chunks correctly.
package chunker

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// DefaultLimits are the default per-channel chunk sizes; channel
// config may override these globally or per-account.
var DefaultLimits = map[string]int{
	"whatsapp": 4000,
	"telegram": 4000,
	"discord":  2000,
	"slack":    4000,
	"signal":   4000,
	"imessage": 4000,
	"webchat":  4000,
	"msteams":  4000,
}

// width returns the display width of s using East-Asian-aware rune widths.
func width(s string) int { return runewidth.StringWidth(s) }

// ChunkText splits s into pieces no wider than limit, preferring a newline
// break, then a whitespace break inside the window, and never breaking
// inside unbalanced parens. Falls back to a hard break only as a last
// resort. Joining the returned chunks reconstructs s modulo trailing
// whitespace.
func ChunkText(s string, limit int) []string {
	if limit <= 0 || width(s) <= limit {
		if s == "" {
			return nil
		}
		return []string{s}
	}

	var chunks []string
	remaining := s
	for width(remaining) > limit {
		cut := findBreak(remaining, limit)
		chunk := remaining[:cut]
		chunks = append(chunks, chunk)
		remaining = remaining[cut:]
		remaining = strings.TrimLeft(remaining, " \t")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findBreak locates a byte offset <= a rune-safe prefix of width `limit`
// that prefers (in order): the last newline inside the window, the last
// whitespace inside the window outside unbalanced parens, or a hard cut at
// the widest rune-safe prefix.
func findBreak(s string, limit int) int {
	end := widthSafePrefix(s, limit)

	// Prefer the last newline within the window.
	if nl := strings.LastIndexByte(s[:end], '\n'); nl > 0 {
		return nl + 1
	}

	// Prefer the last whitespace within the window, skipping positions
	// inside unbalanced parens.
	depth := 0
	bestSpace := -1
	for i := 0; i < end; i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ' ', '\t':
			if depth == 0 {
				bestSpace = i
			}
		}
	}
	if bestSpace > 0 {
		return bestSpace + 1
	}

	if end == 0 {
		return len(s)
	}
	return end
}

// widthSafePrefix returns the largest byte offset o such that the display
// width of s[:o] is <= limit and o lies on a rune boundary.
func widthSafePrefix(s string, limit int) int {
	w := 0
	for i, r := range s {
		rw := runewidth.RuneWidth(r)
		if w+rw > limit {
			return i
		}
		w += rw
	}
	return len(s)
}

// fenceSpan is an open markdown code fence: its delimiter (``` or ~~~) and
// the optional language tag that followed it.
type fenceSpan struct {
	marker string // "```" or "~~~"
	lang   string // language tag on the opening fence, if any
}

// ChunkMarkdownText splits s like ChunkText, but additionally balances
// fenced code blocks: if a chosen break falls inside an open fence, the
// chunk is closed with a matching closing fence and the next chunk is
// reopened with the same fence + language tag. maxLines, if > 0, also caps
// the number of body lines per chunk (the Discord constraint); a reopened
// fence line and an added closing fence come on top of that cap.
func ChunkMarkdownText(s string, limit int, maxLines int) []string {
	if limit <= 0 {
		return []string{s}
	}

	var chunks []string
	remaining := s
	var openFence *fenceSpan

	for {
		prefix := ""
		if openFence != nil {
			prefix = openFence.marker + openFence.lang + "\n"
		}
		budget := limit - width(prefix)
		if budget < 1 {
			budget = 1
		}

		fits := width(remaining) <= budget && (maxLines <= 0 || countLines(remaining) <= maxLines)
		if fits {
			chunks = append(chunks, prefix+remaining)
			break
		}

		cut := findMarkdownBreak(remaining, budget, maxLines)
		chunk := remaining[:cut]
		rest := remaining[cut:]

		spans := parseFenceSpans(prefix + chunk)
		var closing string
		if len(spans) > 0 {
			last := spans[len(spans)-1]
			closing = "\n" + last.marker
			openFence = &last
		} else {
			openFence = nil
		}

		full := prefix + chunk + closing
		// Guarantee >=1 char of content after the opener; if the chunk is
		// only the fence + closing with nothing between, fall back to a
		// hard break instead of emitting an empty fenced block.
		if openFence != nil && strings.TrimSpace(chunk) == "" {
			cut = len(remaining)
			if cut > budget {
				cut = widthSafePrefix(remaining, budget)
			}
			full = prefix + remaining[:cut]
			rest = remaining[cut:]
			openFence = nil
		}

		chunks = append(chunks, full)
		remaining = strings.TrimLeft(rest, " \t\n")
		if remaining == "" {
			break
		}
	}
	return chunks
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func findMarkdownBreak(s string, budget int, maxLines int) int {
	end := widthSafePrefix(s, budget)
	if maxLines > 0 {
		lines := strings.SplitAfter(s, "\n")
		acc := 0
		lineCount := 0
		for _, l := range lines {
			if lineCount >= maxLines || acc+len(l) > end {
				break
			}
			acc += len(l)
			lineCount++
		}
		if acc > 0 && acc < end {
			end = acc
		}
	}
	if nl := strings.LastIndexByte(s[:end], '\n'); nl > 0 {
		return nl + 1
	}
	if end == 0 {
		return len(s)
	}
	return end
}

// parseFenceSpans scans s for fence markers and returns the spans that are
// still open at the end of s (i.e. an odd number of fences for that
// marker+position). An empty result means all fences are balanced.
func parseFenceSpans(s string) []fenceSpan {
	lines := strings.Split(s, "\n")
	var stack []fenceSpan
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, marker := range []string{"```", "~~~"} {
			if strings.HasPrefix(trimmed, marker) {
				if len(stack) > 0 && stack[len(stack)-1].marker == marker {
					stack = stack[:len(stack)-1]
				} else {
					lang := strings.TrimSpace(strings.TrimPrefix(trimmed, marker))
					stack = append(stack, fenceSpan{marker: marker, lang: lang})
				}
				break
			}
		}
	}
	return stack
}

// HasUnbalancedFence reports whether s contains an unclosed code fence —
// exposed for callers (and tests) that need the fence-balance check
// directly without chunking.
func HasUnbalancedFence(s string) bool {
	return len(parseFenceSpans(s)) > 0
}
