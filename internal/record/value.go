// Package record turns untyped decoded rows into strongly-typed,
// normalized records. Validation is pure: no database access, every check
// is a function of the row alone. Downstream code never touches the raw
// map again.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Value wraps one field of a decoded row together with its presence. All
// coercions the validators need live here, so the rules themselves stay
// declarative.
type Value struct {
	raw     any
	present bool
}

// Field looks a key up in a decoded row.
func Field(row map[string]any, key string) Value {
	v, ok := row[key]
	return Value{raw: v, present: ok}
}

// Present reports whether the key existed in the input row at all.
func (v Value) Present() bool { return v.present }

// IsNull reports an explicit JSON null (or an empty CSV cell).
func (v Value) IsNull() bool {
	if !v.present {
		return false
	}
	if v.raw == nil {
		return true
	}
	s, ok := v.raw.(string)
	return ok && s == ""
}

// Empty reports absent, null, or empty-string.
func (v Value) Empty() bool { return !v.present || v.IsNull() }

// Raw returns the underlying value.
func (v Value) Raw() any { return v.raw }

// String renders the value for error messages.
func (v Value) String() string {
	if !v.present || v.raw == nil {
		return ""
	}
	if s, ok := v.raw.(string); ok {
		return s
	}
	b, err := json.Marshal(v.raw)
	if err != nil {
		return fmt.Sprintf("%v", v.raw)
	}
	return string(b)
}

// Str coerces to a trimmed string. Only actual strings qualify.
func (v Value) Str() (string, bool) {
	s, ok := v.raw.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// Bool coerces booleans from the accepted spellings:
// true/false, "true"/"false", "1"/"0", "yes"/"no", 1/0.
func (v Value) Bool() (bool, bool) {
	switch x := v.raw.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	case float64:
		if x == 1 {
			return true, true
		}
		if x == 0 {
			return false, true
		}
	}
	return false, false
}

// Time parses an ISO-8601 date-time.
func (v Value) Time() (time.Time, bool) {
	s, ok := v.Str()
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// StringSlice coerces to a list of strings. JSON input yields []any; CSV
// round-trips carry lists as a JSON-encoded string, which is accepted too.
func (v Value) StringSlice() ([]string, bool) {
	switch x := v.raw.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case []string:
		return x, true
	case string:
		t := strings.TrimSpace(x)
		if !strings.HasPrefix(t, "[") {
			return nil, false
		}
		var out []string
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, false
		}
		return out, true
	}
	return nil, false
}
