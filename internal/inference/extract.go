package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/npc-world/internal/apperr"
)

// Validator is implemented by payloads that check their own required fields.
type Validator interface {
	Validate() error
}

// Extract finds the first JSON object in text that decodes into T and, when
// *T is a Validator, validates. Prose and code fences around it are ignored.
func Extract[T any](text string) (*T, error) {
	var lastErr error
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchBrace(text, start)
		if end >= 0 {
			out := new(T)
			err := json.Unmarshal([]byte(text[start:end+1]), out)
			if err == nil {
				if v, ok := any(out).(Validator); ok {
					err = v.Validate()
				}
			}
			if err == nil {
				return out, nil
			}
			lastErr = err
		}

		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	if lastErr == nil {
		lastErr = errors.New("no JSON object found")
	}
	return nil, apperr.Parse(fmt.Sprintf("extract %T", *new(T)), lastErr)
}

// matchBrace returns the index of the '}' closing the object opened at start,
// skipping braces inside string literals, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
