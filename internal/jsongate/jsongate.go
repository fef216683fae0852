// Package jsongate turns raw model output into validated JSON. Model
// responses routinely wrap JSON in prose or markdown fences, or get cut
// off mid-object when a provider truncates at a token limit; the gate
// tries a direct parse, then fenced-block extraction, then a bracket/
// brace/string-depth repair pass, and only then gives up — it never
// silently substitutes a default value for malformed input.
package jsongate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dotcommander/storyforge/internal/storyerr"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

var validate = validator.New()

// RequiredFielder is implemented by domain types whose JSON Gate
// validation needs an explicit list of top-level keys that must be
// present, beyond whatever `validate` struct tags already enforce.
type RequiredFielder interface {
	RequiredFields() []string
}

// Parse attempts direct decode, then fenced-block extraction, then a
// repair pass, writing the result into v (a pointer). op labels the
// caller's operation for error wrapping.
func Parse(op string, raw string, v any) error {
	raw = strings.TrimSpace(raw)

	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return finish(op, v)
	}

	if body, ok := extractFenced(raw); ok {
		if err := json.Unmarshal([]byte(body), v); err == nil {
			return finish(op, v)
		}
		raw = body
	}

	repaired := repair(raw)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return storyerr.BadShape(op, fmt.Errorf("json gate: unparseable after repair: %w", err))
	}
	return finish(op, v)
}

func finish(op string, v any) error {
	if err := validate.Struct(v); err != nil {
		return storyerr.BadShape(op, fmt.Errorf("json gate: struct validation: %w", err))
	}
	if rf, ok := v.(RequiredFielder); ok {
		if err := assertRequiredFields(v, rf.RequiredFields()); err != nil {
			return storyerr.BadShape(op, err)
		}
	}
	return nil
}

func extractFenced(raw string) (string, bool) {
	m := fencedBlock.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func assertRequiredFields(v any, fields []string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json gate: re-marshal for field check: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("json gate: re-decode for field check: %w", err)
	}
	var missing []string
	for _, f := range fields {
		raw, ok := m[f]
		if !ok || isEmptyJSON(raw) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("json gate: missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == `""` || s == "[]" || s == "{}"
}

// repair runs a single forward scan tracking brace/bracket/string depth.
// It trims to the outermost balanced object/array, truncates anything past
// the top-level value's closing brace/bracket, strips a dangling trailing
// comma, and closes any brackets/braces/quotes still open when truncation
// cut the stream short.
func repair(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return raw
	}
	raw = raw[start:]

	var (
		stack    []byte
		inString bool
		escape   bool
		out      []byte
	)

	complete := false
	for i := 0; i < len(raw) && !complete; i++ {
		c := raw[i]
		if inString {
			out = append(out, c)
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			out = append(out, c)
		case '{', '[':
			stack = append(stack, matchingClose(c))
			out = append(out, c)
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
			out = append(out, c)
			if len(stack) == 0 {
				// Top-level value closed; anything after this is trailing
				// prose the model appended and must not reach the parser.
				complete = true
			}
		case ',':
			// Defer: only keep if followed by more content before a close.
			// Peek ahead past whitespace.
			j := i + 1
			for j < len(raw) && isSpace(raw[j]) {
				j++
			}
			if j < len(raw) && (raw[j] == '}' || raw[j] == ']') {
				// drop the trailing comma
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}

	if inString {
		out = append(out, '"')
		inString = false
	}

	out = stripTrailingComma(out)

	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}

	return string(out)
}

// stripTrailingComma drops a comma left dangling at the very end of the
// scan (truncation cut the stream off right after it, before any closing
// bracket the lookahead in the main loop could have matched against).
func stripTrailingComma(b []byte) []byte {
	i := len(b)
	for i > 0 && isSpace(b[i-1]) {
		i--
	}
	if i > 0 && b[i-1] == ',' {
		i--
	}
	return b[:i]
}

func matchingClose(open byte) byte {
	if open == '{' {
		return '}'
	}
	return ']'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
