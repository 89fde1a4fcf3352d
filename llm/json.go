package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when no JSON value can be recovered from a response.
var ErrNoJSON = errors.New("llm: response contains no recoverable JSON")

// DecodeLoose unmarshals model output that is supposed to be JSON but often
// is not quite. It tries, in order: the raw string, the contents of a fenced
// code block, and the outermost balanced {...} or [...] span.
func DecodeLoose(s string, v any) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return ErrNoJSON
	}

	if json.Unmarshal([]byte(s), v) == nil {
		return nil
	}

	if inner, ok := fencedBlock(s); ok {
		if json.Unmarshal([]byte(inner), v) == nil {
			return nil
		}
	}

	if span, ok := balancedSpan(s); ok {
		if json.Unmarshal([]byte(span), v) == nil {
			return nil
		}
	}

	return ErrNoJSON
}

// fencedBlock extracts the body of the first ``` fence, dropping a language
// tag on the opening line.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		// A short bare word on the fence line is a language tag.
		if len(firstLine) <= 10 && !strings.ContainsAny(firstLine, "{}[]") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// balancedSpan finds the first top-level {...} or [...] region, tracking
// string literals and escapes so braces inside values do not confuse it.
func balancedSpan(s string) (string, bool) {
	open := strings.IndexAny(s, "{[")
	if open < 0 {
		return "", false
	}
	var close byte = '}'
	if s[open] == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == s[open]:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return s[open : i+1], true
			}
		}
	}
	return "", false
}
