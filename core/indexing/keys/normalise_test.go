package keys

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/dberrors"
)

func requireAscending(t *testing.T, values []any) {
	t.Helper()
	var prev NormalisedValue
	for i, v := range values {
		nv, err := Normalise(v)
		require.NoError(t, err)
		if i > 0 {
			require.Negative(t, Compare(prev, nv), "%v should sort before %v", values[i-1], v)
		}
		prev = nv
	}
}

func TestIntegerOrder(t *testing.T) {
	requireAscending(t, []any{
		int64(math.MinInt64), -1 << 40, -256, int8(-1), 0, uint8(1), 255, int32(1 << 30),
		int64(math.MaxInt64), uint64(math.MaxInt64) + 1, uint64(math.MaxUint64),
	})
}

func TestFloatOrder(t *testing.T) {
	requireAscending(t, []any{
		math.Inf(-1), -1e300, -2.5, -math.SmallestNonzeroFloat64, 0.0,
		math.SmallestNonzeroFloat64, float32(0.5), 1.0, 1e300, math.Inf(1),
	})
	neg, err := Normalise(math.Copysign(0, -1))
	require.NoError(t, err)
	require.Equal(t, MustNormalise(0.0), neg)

	_, err = Normalise(math.NaN())
	require.True(t, errors.Is(err, dberrors.ErrUnsupportedValueType))
}

func TestNumbersShareOneOrder(t *testing.T) {
	requireAscending(t, []any{
		json.Number("-1e300"), int64(-3), json.Number("-2.5"), json.Number("0"), json.Number("0.25"),
		json.Number("2"), json.Number("2.5"), 3, json.Number("3.000001"), int64(1<<53 + 1),
		json.Number("9007199254740993.5e0"), json.Number("1e18"), json.Number("9223372036854775807"),
		json.Number("9223372036854775808"), json.Number("18446744073709551615"), json.Number("1e20"),
	})

	same := [][]any{
		{json.Number("3"), json.Number("3.0"), 3.0, int64(3), uint8(3), json.Number("3e0")},
		{json.Number("-0"), 0, math.Copysign(0, -1)},
		{json.Number("9223372036854775808"), uint64(1 << 63), float64(1 << 63)},
	}
	for _, group := range same {
		first := MustNormalise(group[0])
		for _, v := range group[1:] {
			require.Equal(t, first, MustNormalise(v), "%v and %v", group[0], v)
		}
	}

	// above 2^53 integers stay distinct even where float64 cannot tell them apart
	require.Negative(t, Compare(MustNormalise(int64(1<<60)), MustNormalise(int64(1<<60+1))))
	require.Equal(t, MustNormalise(int64(1<<60)), MustNormalise(float64(1<<60)))
	require.Negative(t, Compare(MustNormalise(int64(math.MaxInt64-1)), MustNormalise(int64(math.MaxInt64))))

	for _, tc := range []struct {
		in   any
		want any
	}{
		{json.Number("3.0"), int64(3)},
		{json.Number("2.5"), 2.5},
		{int64(math.MinInt64), int64(math.MinInt64)},
		{int64(math.MaxInt64), int64(math.MaxInt64)},
		{int64(1<<60 + 1), int64(1<<60 + 1)},
		{json.Number("18446744073709551615"), uint64(math.MaxUint64)},
		{1e300, 1e300},
		{math.Inf(-1), math.Inf(-1)},
	} {
		got, err := Denormalise(MustNormalise(tc.in))
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "%v", tc.in)
	}
}

func TestStringAndBytesOrder(t *testing.T) {
	requireAscending(t, []any{"", "a", "a\x00", "a\x00\x00", "a\x01", "ab", "b", "\xff"})
	requireAscending(t, []any{[]byte{}, []byte{0}, []byte{0, 0}, []byte{0, 1}, []byte{1}})
}

func TestTypeOrderAndArrays(t *testing.T) {
	now := time.Unix(1700000000, 0)
	requireAscending(t, []any{
		nil, false, true, int64(-5), -1.5, 3, 3.5, uint64(math.MaxUint64), math.Inf(1), now, now.Add(time.Nanosecond),
		"x", []byte("x"), []any{}, []any{1}, []any{1, "a"}, []any{1, "b"}, []any{2},
	})
}

func TestRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC)
	for _, v := range []any{
		nil, true, false, int64(-42), int64(7), uint64(math.MaxUint64), 3.25, -0.125,
		"he\x00llo", []byte{0, 0xff, 0}, []any{int64(1), "two", []any{}, nil},
	} {
		nv, err := Normalise(v)
		require.NoError(t, err)
		got, err := Denormalise(nv)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}

	got, err := Denormalise(MustNormalise(ts))
	require.NoError(t, err)
	require.True(t, ts.Equal(got.(time.Time)))

	got, err = Denormalise(MustNormalise(int16(9)))
	require.NoError(t, err)
	require.Equal(t, int64(9), got)
}

func TestConcatOrdersByFirstValue(t *testing.T) {
	// with a plain length-free concatenation "ab"+"c" and "a"+"bc" would
	// collide; the terminator keeps them apart and ordered
	a := Concat(MustNormalise("ab"), MustNormalise("c"))
	b := Concat(MustNormalise("a"), MustNormalise("bc"))
	require.Positive(t, Compare(a, b))

	parts, err := Split(a)
	require.NoError(t, err)
	require.Equal(t, []NormalisedValue{MustNormalise("ab"), MustNormalise("c")}, parts)
	n, err := Length(a)
	require.NoError(t, err)
	require.Equal(t, len(MustNormalise("ab")), n)

	_, err = Denormalise(a)
	require.Error(t, err)
}

func TestRandomStringsSortLikeNative(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	values := make([]string, 500)
	for i := range values {
		b := make([]byte, rng.Intn(6))
		for j := range b {
			b[j] = byte(rng.Intn(3)) // lots of zero bytes and shared prefixes
		}
		values[i] = string(b)
	}
	encoded := make([]NormalisedValue, len(values))
	for i, v := range values {
		encoded[i] = MustNormalise(v)
	}
	sort.Strings(values)
	slices.SortFunc(encoded, Compare)
	for i, nv := range encoded {
		got, err := Denormalise(nv)
		require.NoError(t, err)
		require.Equal(t, values[i], got)
	}
}

func TestRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{nil, {0x99}, {tagNumber, 1, 2}, {tagString, 'a'}, {tagString, 0, 7}, {tagArray, tagTrue}} {
		_, err := Denormalise(b)
		require.True(t, errors.Is(err, dberrors.ErrUnsupportedValueType), "%x", b)
	}
	_, err := Normalise(struct{}{})
	require.True(t, errors.Is(err, dberrors.ErrUnsupportedValueType))
}
