package property

import (
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"
)

// MaxSafeInteger is the largest integer magnitude an Integer accepts.
const MaxSafeInteger = 1<<53 - 1

// Timestamp layouts accepted by the Timestamp kind.
const (
	TimestampFormat       = "2006-01-02T15:04:05Z"
	TimestampFormatMillis = "2006-01-02T15:04:05.000Z"
)

// Kind is the type check applied to every value written to a Property. The
// returned value is the normalized form that gets stored.
type Kind interface {
	check(v any) (any, *Error)
}

// String accepts strings. MaxLen of zero means unbounded.
type String struct {
	MinLen  int
	MaxLen  int
	Allowed []string
}

func (k String) check(v any) (any, *Error) {
	s, ok := v.(string)
	if !ok {
		return nil, newError(ErrType, "expected string, got %T", v)
	}
	if len(s) < k.MinLen || (k.MaxLen > 0 && len(s) > k.MaxLen) {
		return nil, newError(ErrRange, "length %d not within [%d, %d]", len(s), k.MinLen, k.MaxLen)
	}
	if len(k.Allowed) > 0 && !slices.Contains(k.Allowed, s) {
		return nil, newError(ErrDisallowed, "%q is not one of %v", s, k.Allowed)
	}
	return s, nil
}

// Integer accepts whole numbers and stores them as int64.
type Integer struct {
	Min *int64
	Max *int64
}

// Int returns a pointer to v, for Integer bounds.
func Int(v int64) *int64 {
	return &v
}

func (k Integer) check(v any) (any, *Error) {
	n, ok := toInt64(v)
	if !ok {
		return nil, newError(ErrType, "expected integer, got %T (%v)", v, v)
	}
	if n > MaxSafeInteger || n < -MaxSafeInteger {
		return nil, newError(ErrRange, "%d exceeds the safe integer range", n)
	}
	if k.Min != nil && n < *k.Min {
		return nil, newError(ErrRange, "%d is less than %d", n, *k.Min)
	}
	if k.Max != nil && n > *k.Max {
		return nil, newError(ErrRange, "%d is greater than %d", n, *k.Max)
	}
	return n, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	}
	return 0, false
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// Boolean accepts bool values only.
type Boolean struct{}

func (Boolean) check(v any) (any, *Error) {
	b, ok := v.(bool)
	if !ok {
		return nil, newError(ErrType, "expected boolean, got %T", v)
	}
	return b, nil
}

// Object accepts a non-nil map[string]any.
type Object struct{}

func (Object) check(v any) (any, *Error) {
	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return nil, newError(ErrType, "expected object, got %T", v)
	}
	return deepCopy(m), nil
}

// ObjectList accepts a list of objects and stores []map[string]any.
type ObjectList struct{}

func (ObjectList) check(v any) (any, *Error) {
	var out []map[string]any
	switch l := v.(type) {
	case []map[string]any:
		out = make([]map[string]any, 0, len(l))
		for i, m := range l {
			if m == nil {
				return nil, newError(ErrType, "element %d is null", i)
			}
			out = append(out, m)
		}
	case []any:
		out = make([]map[string]any, 0, len(l))
		for i, e := range l {
			m, ok := e.(map[string]any)
			if !ok || m == nil {
				return nil, newError(ErrType, "element %d: expected object, got %T", i, e)
			}
			out = append(out, m)
		}
	default:
		return nil, newError(ErrType, "expected list of objects, got %T", v)
	}
	return deepCopy(out), nil
}

// StringList accepts a list of strings and stores []string.
type StringList struct{}

func (StringList) check(v any) (any, *Error) {
	switch l := v.(type) {
	case []string:
		return slices.Clone(l), nil
	case []any:
		out := make([]string, 0, len(l))
		for i, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, newError(ErrType, "element %d: expected string, got %T", i, e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, newError(ErrType, "expected list of strings, got %T", v)
}

// Timestamp accepts whole-second UTC timestamps in TimestampFormat or
// TimestampFormatMillis.
type Timestamp struct{}

func (Timestamp) check(v any) (any, *Error) {
	s, ok := v.(string)
	if !ok {
		return nil, newError(ErrType, "expected timestamp string, got %T", v)
	}
	if !ValidTimestamp(s) {
		return nil, newError(ErrDisallowed, "%q is not a whole-second UTC timestamp", s)
	}
	return s, nil
}

// ValidTimestamp reports whether s parses and re-serializes to itself in one
// of the accepted timestamp layouts.
func ValidTimestamp(s string) bool {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Nanosecond() != 0 {
		return false
	}
	t = t.UTC()
	return s == t.Format(TimestampFormat) || s == t.Format(TimestampFormatMillis)
}

// FormatTimestamp renders t the way generated timestamps are stored.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampFormatMillis)
}

// UUID accepts the canonical lowercase hyphenated form only.
type UUID struct{}

func (UUID) check(v any) (any, *Error) {
	s, ok := v.(string)
	if !ok {
		return nil, newError(ErrType, "expected uuid string, got %T", v)
	}
	if !ValidUUID(s) {
		return nil, newError(ErrDisallowed, "%q is not a canonical uuid", s)
	}
	return s, nil
}

// ValidUUID reports whether s is a uuid in canonical lowercase form.
func ValidUUID(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && u.String() == s
}

func deepCopy[T any](v T) T {
	if any(v) == nil {
		return v
	}
	c, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	if out, ok := c.(T); ok {
		return out
	}
	return v
}
