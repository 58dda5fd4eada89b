package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`,
	"‘", "'", "’", "'",
)

// ParseJSON decodes a model reply into T. It tolerates code fences, prose around the
// payload, smart double quotes, // comments, and trailing commas. Failures are PARSE errors.
func ParseJSON[T any](raw string) (T, error) {
	var out T
	cleaned := cleanJSON(raw, false)
	if cleaned == "" {
		return out, matomeerrors.NewParse(schemaName[T](), raw, fmt.Errorf("no JSON payload found"))
	}
	err := json.Unmarshal([]byte(cleaned), &out)
	if err == nil {
		return out, nil
	}
	// Second pass with smart quotes rewritten.
	if retry := cleanJSON(raw, true); retry != cleaned {
		var second T
		if json.Unmarshal([]byte(retry), &second) == nil {
			return second, nil
		}
	}
	return out, matomeerrors.NewParse(schemaName[T](), raw, err)
}

// CallJSON calls role on pool and decodes the reply into T.
func CallJSON[T any](ctx context.Context, pool *Pool, role Role, prompt string) (T, error) {
	raw, err := pool.Call(ctx, role, prompt)
	if err != nil {
		var zero T
		return zero, err
	}
	return ParseJSON[T](raw)
}

func schemaName[T any]() string {
	var zero T
	return strings.TrimPrefix(fmt.Sprintf("%T", zero), "*")
}

func cleanJSON(raw string, smartQuotes bool) string {
	s := strings.TrimSpace(raw)
	s = stripFences(s)
	if smartQuotes {
		s = quoteReplacer.Replace(s)
	}
	s = outermost(s)
	if s == "" {
		return ""
	}
	return scrub(s)
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "```"); i >= 0 {
			// Prose before a fenced block.
			s = s[i:]
		} else {
			return s
		}
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// outermost returns the span from the first '{' or '[' to the last matching closer.
func outermost(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return ""
	}
	return s[start : end+1]
}

// scrub removes // comments and trailing commas outside string literals.
func scrub(s string) string {
	var buf bytes.Buffer
	buf.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			buf.WriteByte(c)
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
		switch {
		case c == '"':
			inString = true
			buf.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				buf.WriteByte('\n')
			}
		case c == ',':
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			buf.WriteByte(c)
		default:
			buf.WriteByte(c)
		}
	}
	return buf.String()
}

// FlexInt decodes a JSON number, a numeric string, or null (as 0).
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", string(b))
	}
	*f = FlexInt(int(v + 0.5*sign(v)))
	return nil
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// FlexFloat decodes a JSON number, a numeric string, or null (as 0).
type FlexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", string(b))
	}
	*f = FlexFloat(v)
	return nil
}

// FlexID decodes an item id written as a JSON string or number.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = FlexID(strings.TrimPrefix(strings.TrimSpace(str), "ID: "))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("not an id: %s", s)
	}
	*f = FlexID(n.String())
	return nil
}

// FlexIDs decodes a list of ids, a single id, or null.
type FlexIDs []string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexIDs) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = nil
		return nil
	}
	if !strings.HasPrefix(s, "[") {
		var one FlexID
		if err := one.UnmarshalJSON(b); err != nil {
			return err
		}
		*f = FlexIDs{string(one)}
		return nil
	}
	var many []FlexID
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	out := make(FlexIDs, 0, len(many))
	for _, id := range many {
		if id != "" {
			out = append(out, string(id))
		}
	}
	*f = out
	return nil
}

// FlexBool decodes true/false, 1/0, or "yes"/"no" style strings.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexBool) UnmarshalJSON(b []byte) error {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(string(b)), `"`))
	switch s {
	case "true", "yes", "y", "1", "duplicate":
		*f = true
	case "false", "no", "n", "0", "null", "":
		*f = false
	default:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a boolean: %s", string(b))
		}
		*f = v > 0
	}
	return nil
}
