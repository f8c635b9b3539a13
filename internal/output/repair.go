// Package output turns raw model text into what the caller asked for and
// prints CLI results.
package output

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Strategy is one JSON repair step. Apply must be idempotent.
type Strategy struct {
	Name  string
	Apply func(string) string
}

// Strategies lists the repair steps in the order ParseJSON applies them.
// Each step runs on the output of the previous one.
var Strategies = []Strategy{
	{Name: "extract_span", Apply: extractSpan},
	{Name: "strip_fences", Apply: stripFences},
	{Name: "strip_trailing_commas", Apply: stripTrailingCommas},
}

// Result is the outcome of ParseJSON.
type Result struct {
	// Value is the decoded JSON, or a synthesized object on failure.
	Value any
	// Text is the JSON text that decoded; empty on failure.
	Text string
	// Applied names the strategies that ran before decoding succeeded.
	Applied []string
	// ParseFailed is set when no strategy produced valid JSON.
	ParseFailed bool
}

// Repaired reports whether any strategy was needed.
func (r Result) Repaired() bool { return len(r.Applied) > 0 }

// ParseJSON decodes raw, repairing common model mistakes. It never fails:
// when nothing decodes, Value is {"content": raw, "parse_failed": true}.
func ParseJSON(raw string) Result {
	candidate := strings.TrimSpace(raw)
	if v, ok := decode(candidate); ok {
		return Result{Value: v, Text: candidate}
	}

	var applied []string
	for _, s := range Strategies {
		next := s.Apply(candidate)
		if next == candidate {
			continue
		}
		candidate = next
		applied = append(applied, s.Name)
		if v, ok := decode(candidate); ok {
			return Result{Value: v, Text: candidate, Applied: applied}
		}
	}

	return Result{
		Value: map[string]any{
			"content":      strings.TrimSpace(raw),
			"parse_failed": true,
		},
		Applied:     applied,
		ParseFailed: true,
	}
}

// Text returns free-text output with surrounding whitespace removed.
func Text(raw string) string {
	return strings.TrimSpace(raw)
}

func decode(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// extractSpan returns the first balanced {...} or [...] in s. Brackets
// inside string literals are ignored. An unterminated span runs to the end.
func extractSpan(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}

	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return strings.TrimSpace(s[start : i+1])
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1]
			}
		}
	}
	return strings.TrimSpace(s[start:])
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")

// stripFences removes Markdown code fences, keeping the fenced body.
func stripFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// stripTrailingCommas drops commas before a closing bracket and ASCII
// control characters other than whitespace.
func stripTrailingCommas(s string) string {
	s = strings.Map(func(r rune) rune {
		if (r < 0x20 && r != '\n' && r != '\r' && r != '\t') || r == 0x7f {
			return -1
		}
		return r
	}, s)
	for {
		next := trailingComma.ReplaceAllString(s, "$1")
		if next == s {
			return s
		}
		s = next
	}
}
