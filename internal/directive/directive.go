// Package directive implements the envelope & directive parser (C1): it
// normalizes a raw inbound body into a clean body plus the ordered list of
// slash-directives it carried.
//
// Adapted from GoClaw's agent-loop prompt normalization, generalized to the
// channel-agnostic directive grammar in the specification's wire protocol.
package directive

import (
	"regexp"
	"strings"
)

// Name is a canonical directive key (post-alias-resolution).
type Name string

const (
	Think      Name = "think"
	Verbose    Name = "verbose"
	Reasoning  Name = "reasoning"
	Elevated   Name = "elevated"
	Usage      Name = "usage"
	Model      Name = "model"
	Status     Name = "status"
	Stop       Name = "stop"
	Restart    Name = "restart"
	New        Name = "new"
	Reset      Name = "reset"
	Send       Name = "send"
	Activation Name = "activation"
	Help       Name = "help"
	Commands   Name = "commands"
	Cost       Name = "cost"
	Queue      Name = "queue"
)

// aliases maps every accepted spelling (including the canonical name itself)
// to its canonical Name. Cost and Usage are synonyms in the wire grammar.
var aliases = map[string]Name{
	"think": Think, "thinking": Think, "t": Think,
	"verbose": Verbose, "v": Verbose,
	"reasoning": Reasoning, "reason": Reasoning,
	"elevated": Elevated, "elev": Elevated,
	"usage": Usage, "cost": Usage,
	"model": Model, "models": Model,
	"status":   Status,
	"stop":     Stop,
	"restart":  Restart,
	"new":      New,
	"reset":    Reset,
	"send":     Send,
	"activation": Activation,
	"help":     Help,
	"commands": Commands,
	"queue":    Queue,
}

// noArgDirectives never carry a value.
var noArgDirectives = map[Name]bool{
	Status: true, Stop: true, Restart: true, New: true, Reset: true,
	Help: true, Commands: true,
}

// Directive is one parsed slash-command. RawLevel is the literal token the
// user typed; Level is its normalized form, or "" if RawLevel failed
// normalization (the caller decides whether that's an error).
type Directive struct {
	Name     Name
	RawLevel string
	Level    string
	Valid    bool // false when RawLevel didn't map to a known level for Name
}

// directiveLine matches a leading "/name" or "/name:value" / "/name value"
// token anywhere a directive may start: start of string, or after whitespace.
var directiveLine = regexp.MustCompile(`(?m)(^|[ \t])/([A-Za-z][A-Za-z0-9_-]*)([ \t:]+(\S+)?)?`)

// currentMessageHeader marks the start of the "current message" segment in a
// context-wrapper block; only text after it (if present) is scanned for
// directives inside the "since your last reply" block
// must not be extracted.
const currentMessageHeader = "[Current message - respond to this]"

// Parse extracts directives from a raw inbound body and returns the body
// with directive tokens stripped, plus the ordered, alias-resolved, dedup'd
// (last-wins per key) directive list. Parse never fails: unknown levels are
// returned with Valid=false rather than raising an error.
func Parse(raw string) (body string, directives []Directive) {
	scanTarget := raw
	prefix := ""
	if idx := strings.Index(raw, currentMessageHeader); idx >= 0 {
		prefix = raw[:idx+len(currentMessageHeader)]
		scanTarget = raw[idx+len(currentMessageHeader):]
	}

	matches := directiveLine.FindAllStringSubmatchIndex(scanTarget, -1)
	if len(matches) == 0 {
		return raw, nil
	}

	byName := map[Name]int{} // name -> index in `directives` (last-wins)
	var out []Directive
	var b strings.Builder
	last := 0

	for _, m := range matches {
		// m layout: [full0 full1, lead0 lead1, name0 name1, argblock0 argblock1, val0 val1]
		leadStart, leadEnd := m[2], m[3]
		fullEnd := m[1]
		nameStart, nameEnd := m[4], m[5]
		valStart, valEnd := -1, -1
		if len(m) >= 10 && m[8] >= 0 {
			valStart, valEnd = m[8], m[9]
		}

		token := strings.ToLower(scanTarget[nameStart:nameEnd])
		canon, known := aliases[token]
		if !known {
			continue // unknown /word at line start stays in-body
		}

		raw := ""
		if valStart >= 0 {
			raw = strings.TrimSpace(scanTarget[valStart:valEnd])
		}

		d := normalize(canon, raw)

		// Write everything before this directive, preserving the leading
		// whitespace/newline character so we don't glue adjacent words.
		b.WriteString(scanTarget[last:leadStart])
		b.WriteString(scanTarget[leadStart:leadEnd])
		last = fullEnd

		if idx, ok := byName[canon]; ok {
			out[idx] = d // last-wins per key, but keep original position
		} else {
			byName[canon] = len(out)
			out = append(out, d)
		}
	}
	b.WriteString(scanTarget[last:])

	cleaned := collapseBlankRuns(b.String())
	return prefix + cleaned, out
}

// normalize validates rawLevel for a given directive name. For no-arg
// directives any value is ignored. Unknown levels yield Valid=false and
// Level="" so C5 can emit a user-visible "unknown level" message.
func normalize(name Name, rawLevel string) Directive {
	if noArgDirectives[name] {
		return Directive{Name: name, RawLevel: rawLevel, Valid: true}
	}

	low := strings.ToLower(rawLevel)
	valid, ok := validLevels[name]
	if !ok {
		// Free-form value directives (model, queue, activation, send) are
		// validated by the session store's patch validation, not here.
		return Directive{Name: name, RawLevel: rawLevel, Level: rawLevel, Valid: rawLevel != ""}
	}
	for _, v := range valid {
		if v == low {
			return Directive{Name: name, RawLevel: rawLevel, Level: low, Valid: true}
		}
	}
	return Directive{Name: name, RawLevel: rawLevel, Valid: false}
}

var validLevels = map[Name][]string{
	Think:     {"off", "minimal", "low", "medium", "high"},
	Verbose:   {"on", "off"},
	Reasoning: {"on", "off", "stream"},
	Elevated:  {"on", "off"},
	Usage:     {"on", "off"},
}

var blankRuns = regexp.MustCompile(`[ \t]+\n|\n{3,}`)

func collapseBlankRuns(s string) string {
	s = blankRuns.ReplaceAllStringFunc(s, func(m string) string {
		if strings.HasPrefix(m, "\n") || strings.Contains(m, "\n\n\n") {
			return "\n\n"
		}
		return "\n"
	})
	return strings.TrimSpace(s)
}
