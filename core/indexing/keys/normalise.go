// Package keys encodes typed values as NormalisedValue byte strings whose
// unsigned lexicographic order equals the values' native order.
//
// Every encoding starts with a one byte type tag, so values of different
// types order by tag. Encodings are self-delimiting and no encoding is a
// prefix of another, which makes the concatenation of two encodings
// (index key followed by primary key) order by the first value, then by
// the second.
package keys

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sushant-115/gojodoc/core/dberrors"
)

// NormalisedValue is a byte-comparable encoding of one value.
type NormalisedValue []byte

const (
	tagNull   byte = 0x05
	tagFalse  byte = 0x10
	tagTrue   byte = 0x11
	tagNumber byte = 0x20
	tagTime   byte = 0x28
	tagString byte = 0x30
	tagBytes  byte = 0x40
	tagArray  byte = 0x50

	arrayEnd byte = 0x00
	escape   byte = 0x00
	escaped  byte = 0xFF
	term     byte = 0x01
)

// Null is the encoding of a missing or null value.
var Null = NormalisedValue{tagNull}

// Normalise encodes v. Supported types are nil, bool, every integer kind,
// float32, float64, json.Number, time.Time, string, []byte and []any of
// supported types.
func Normalise(v any) (NormalisedValue, error) {
	return appendValue(nil, v)
}

// MustNormalise is Normalise for values known to be supported.
func MustNormalise(v any) NormalisedValue {
	nv, err := Normalise(v)
	if err != nil {
		panic(err)
	}
	return nv
}

func appendInt(dst []byte, tag byte, i int64) []byte {
	dst = append(dst, tag)
	return binary.BigEndian.AppendUint64(dst, uint64(i)^(1<<63))
}

func appendEscaped(dst []byte, tag byte, s []byte) []byte {
	dst = append(dst, tag)
	for _, b := range s {
		if b == escape {
			dst = append(dst, escape, escaped)
			continue
		}
		dst = append(dst, b)
	}
	return append(dst, escape, term)
}

func appendValue(dst []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, tagNull), nil
	case bool:
		if x {
			return append(dst, tagTrue), nil
		}
		return append(dst, tagFalse), nil
	case int:
		return appendInt64(dst, int64(x)), nil
	case int8:
		return appendInt64(dst, int64(x)), nil
	case int16:
		return appendInt64(dst, int64(x)), nil
	case int32:
		return appendInt64(dst, int64(x)), nil
	case int64:
		return appendInt64(dst, x), nil
	case uint:
		return appendUint(dst, uint64(x)), nil
	case uint8:
		return appendInt64(dst, int64(x)), nil
	case uint16:
		return appendInt64(dst, int64(x)), nil
	case uint32:
		return appendInt64(dst, int64(x)), nil
	case uint64:
		return appendUint(dst, x), nil
	case float32:
		return appendFloat(dst, float64(x))
	case float64:
		return appendFloat(dst, x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return appendInt64(dst, i), nil
		}
		if u, err := strconv.ParseUint(string(x), 10, 64); err == nil {
			return appendUint(dst, u), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, dberrors.Wrap(dberrors.UnsupportedValueType, err, "malformed number")
		}
		return appendFloat(dst, f)
	case time.Time:
		return appendInt(dst, tagTime, x.UnixNano()), nil
	case string:
		return appendEscaped(dst, tagString, []byte(x)), nil
	case []byte:
		return appendEscaped(dst, tagBytes, x), nil
	case NormalisedValue:
		return append(dst, x...), nil
	case []any:
		dst = append(dst, tagArray)
		for _, e := range x {
			var err error
			if dst, err = appendValue(dst, e); err != nil {
				return nil, err
			}
		}
		return append(dst, arrayEnd), nil
	default:
		return nil, dberrors.Newf(dberrors.UnsupportedValueType, "cannot normalise %T", v)
	}
}

// Numbers of every Go kind share one encoding: the order key of the
// nearest float64, then the signed distance from that float to the exact
// value. The distance is zero for floats and for integers a float64 holds
// exactly, so 3 and 3.0 encode the same. Rounding is monotonic, so the
// float key orders first and the distance breaks ties above 2^53.
func appendNumber(dst []byte, f float64, delta int64) []byte {
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	dst = append(dst, tagNumber)
	dst = binary.BigEndian.AppendUint64(dst, bits)
	return binary.BigEndian.AppendUint64(dst, uint64(delta)^(1<<63))
}

func appendInt64(dst []byte, i int64) []byte {
	f := float64(i)
	if f >= two63 {
		// i rounded up to 2^63, which int64 cannot hold
		return appendNumber(dst, f, int64(uint64(i)-(1<<63)))
	}
	return appendNumber(dst, f, i-int64(f))
}

func appendUint(dst []byte, u uint64) []byte {
	if u <= math.MaxInt64 {
		return appendInt64(dst, int64(u))
	}
	f := float64(u)
	if f >= two64 {
		return appendNumber(dst, f, int64(u)) // u - 2^64
	}
	return appendNumber(dst, f, int64(u-uint64(f)))
}

func appendFloat(dst []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) {
		return nil, dberrors.New(dberrors.UnsupportedValueType, "cannot normalise NaN")
	}
	return appendNumber(dst, f, 0), nil
}

const (
	two63 = float64(1 << 63)
	two64 = two63 * 2
)

// decodeNumber returns integral values that fit an int64 as int64, larger
// ones up to math.MaxUint64 as uint64 and everything else as float64.
func decodeNumber(bits uint64, delta int64) any {
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	f := math.Float64frombits(bits)
	switch {
	case f != math.Trunc(f) || f < -two63 || f > two64 || (f == two64 && delta == 0):
		return f
	case f < two63:
		return int64(f) + delta
	}
	base := uint64(1 << 63)
	if f == two64 {
		base = 0 // 2^64 wraps; delta is negative here
	}
	u := base + uint64(delta)
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

// Compare orders two normalised values.
func Compare(a, b NormalisedValue) int { return bytes.Compare(a, b) }

// Concat returns the encodings of vs back to back.
func Concat(vs ...NormalisedValue) NormalisedValue {
	n := 0
	for _, v := range vs {
		n += len(v)
	}
	out := make(NormalisedValue, 0, n)
	for _, v := range vs {
		out = append(out, v...)
	}
	return out
}

// Length returns the byte length of the first value encoded in b.
func Length(b []byte) (int, error) {
	_, n, err := decode(b)
	return n, err
}

// Denormalise decodes a single value. Integral numbers come back as int64
// (or uint64 above math.MaxInt64), so 3.0 reads back as int64(3). Other
// numbers come back as float64, times in UTC.
func Denormalise(b NormalisedValue) (any, error) {
	v, n, err := decode(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, dberrors.Newf(dberrors.UnsupportedValueType, "%d trailing bytes after value", len(b)-n)
	}
	return v, nil
}

// Split decodes every value concatenated in b.
func Split(b NormalisedValue) ([]NormalisedValue, error) {
	var out []NormalisedValue
	for len(b) > 0 {
		_, n, err := decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, b[:n:n])
		b = b[n:]
	}
	return out, nil
}

func truncated(tag byte) error {
	return dberrors.Newf(dberrors.UnsupportedValueType, "truncated value with tag %#x", tag)
}

func decode(b []byte) (any, int, error) {
	if len(b) == 0 {
		return nil, 0, dberrors.New(dberrors.UnsupportedValueType, "empty value")
	}
	tag := b[0]
	switch tag {
	case tagNull:
		return nil, 1, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	case tagNumber:
		if len(b) < 17 {
			return nil, 0, truncated(tag)
		}
		delta := int64(binary.BigEndian.Uint64(b[9:17]) ^ (1 << 63))
		return decodeNumber(binary.BigEndian.Uint64(b[1:9]), delta), 17, nil
	case tagTime:
		if len(b) < 9 {
			return nil, 0, truncated(tag)
		}
		return time.Unix(0, int64(binary.BigEndian.Uint64(b[1:9])^(1<<63))).UTC(), 9, nil
	case tagString, tagBytes:
		raw, n, err := unescape(b)
		if err != nil {
			return nil, 0, err
		}
		if tag == tagString {
			return string(raw), n, nil
		}
		return raw, n, nil
	case tagArray:
		var out []any
		i := 1
		for {
			if i >= len(b) {
				return nil, 0, truncated(tag)
			}
			if b[i] == arrayEnd {
				if out == nil {
					out = []any{}
				}
				return out, i + 1, nil
			}
			v, n, err := decode(b[i:])
			if err != nil {
				return nil, 0, err
			}
			out = append(out, v)
			i += n
		}
	default:
		return nil, 0, dberrors.Newf(dberrors.UnsupportedValueType, "unknown tag %#x", tag)
	}
}

func unescape(b []byte) ([]byte, int, error) {
	var out []byte
	for i := 1; i < len(b); i++ {
		if b[i] != escape {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case term:
			if out == nil {
				out = []byte{}
			}
			return out, i + 2, nil
		case escaped:
			out = append(out, escape)
			i++
		default:
			return nil, 0, dberrors.Newf(dberrors.UnsupportedValueType, "bad escape %#x", b[i+1])
		}
	}
	return nil, 0, truncated(b[0])
}

// String renders v for logs and the CLI.
func (v NormalisedValue) String() string {
	parts, err := Split(v)
	if err != nil {
		return fmt.Sprintf("%x", []byte(v))
	}
	var sb bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			sb.WriteByte('|')
		}
		d, _ := Denormalise(p)
		switch x := d.(type) {
		case string:
			fmt.Fprintf(&sb, "%q", x)
		case nil:
			sb.WriteString("null")
		default:
			fmt.Fprintf(&sb, "%v", x)
		}
	}
	return sb.String()
}
