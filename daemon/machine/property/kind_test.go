package property

import (
	"encoding/json"
	"math"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestIntegerKind(t *testing.T) {
	k := Integer{Min: Int(0), Max: Int(100)}
	for _, tc := range []struct {
		in   any
		want int64
		err  error
	}{
		{in: 5, want: 5},
		{in: int64(100), want: 100},
		{in: float64(42), want: 42},
		{in: json.Number("7"), want: 7},
		{in: 4.5, err: ErrType},
		{in: "5", err: ErrType},
		{in: math.NaN(), err: ErrType},
		{in: -1, err: ErrRange},
		{in: 101, err: ErrRange},
		{in: true, err: ErrType},
	} {
		v, err := k.check(tc.in)
		if tc.err != nil {
			assert.Check(t, is.ErrorIs(err, tc.err), "input %#v", tc.in)
			continue
		}
		assert.Check(t, err == nil, "input %#v: %v", tc.in, err)
		assert.Check(t, is.Equal(v, tc.want))
	}

	_, err := Integer{}.check(int64(MaxSafeInteger + 1))
	assert.Check(t, is.ErrorIs(err, ErrRange))
	_, err = Integer{}.check(float64(-MaxSafeInteger - 1))
	assert.Check(t, is.ErrorIs(err, ErrRange))
}

func TestStringKind(t *testing.T) {
	k := String{MinLen: 1, MaxLen: 3, Allowed: []string{"a", "abc"}}
	_, err := k.check("")
	assert.Check(t, is.ErrorIs(err, ErrRange))
	_, err = k.check("abcd")
	assert.Check(t, is.ErrorIs(err, ErrRange))
	_, err = k.check("ab")
	assert.Check(t, is.ErrorIs(err, ErrDisallowed))
	_, err = k.check(3)
	assert.Check(t, is.ErrorIs(err, ErrType))
	v, err := k.check("abc")
	assert.Check(t, err == nil)
	assert.Check(t, is.Equal(v, "abc"))
}

func TestTimestampKind(t *testing.T) {
	for _, good := range []string{
		"2024-05-01T10:20:30Z",
		"2024-05-01T10:20:30.000Z",
	} {
		_, err := Timestamp{}.check(good)
		assert.Check(t, err == nil, "%s: %v", good, err)
	}
	for _, bad := range []string{
		"2024-05-01T10:20:30.123Z",
		"2024-05-01T10:20:30.5Z",
		"2024-05-01T10:20:30+02:00",
		"2024-05-01 10:20:30",
		"2024-13-01T10:20:30Z",
		" 2024-05-01T10:20:30Z",
	} {
		_, err := Timestamp{}.check(bad)
		assert.Check(t, is.ErrorIs(err, ErrDisallowed), bad)
	}
}

func TestUUIDKind(t *testing.T) {
	_, err := UUID{}.check("2e4a24af-97a2-4cb1-a2a4-1edb209fb311")
	assert.Check(t, err == nil)
	for _, bad := range []string{
		"2E4A24AF-97A2-4CB1-A2A4-1EDB209FB311",
		" 2e4a24af-97a2-4cb1-a2a4-1edb209fb311",
		"2e4a24af97a24cb1a2a41edb209fb311",
		"{2e4a24af-97a2-4cb1-a2a4-1edb209fb311}",
		"urn:uuid:2e4a24af-97a2-4cb1-a2a4-1edb209fb311",
		"nope",
	} {
		_, err := UUID{}.check(bad)
		assert.Check(t, is.ErrorIs(err, ErrDisallowed), bad)
	}
}

func TestStringListKind(t *testing.T) {
	v, err := StringList{}.check([]any{"a", "b"})
	assert.Check(t, err == nil)
	assert.Check(t, is.DeepEqual(v, []string{"a", "b"}))
	_, err = StringList{}.check([]any{"a", 1})
	assert.Check(t, is.ErrorIs(err, ErrType))
}

func TestObjectListKind(t *testing.T) {
	_, err := ObjectList{}.check([]any{map[string]any{}, "x"})
	assert.Check(t, is.ErrorIs(err, ErrType))
	_, err = ObjectList{}.check([]map[string]any{nil})
	assert.Check(t, is.ErrorIs(err, ErrType))
	v, err := ObjectList{}.check([]any{})
	assert.Check(t, err == nil)
	assert.Check(t, is.Len(v.([]map[string]any), 0))
}
