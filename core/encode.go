package core

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Fixed-width sortable encodings for ordered value types. A LONG is biased
// by flipping the sign bit so that the unsigned byte order equals the
// signed numeric order, then rendered as 16 lowercase hex digits; DOUBLE
// uses the usual IEEE-754 total-order bit trick. DATE is the LONG encoding
// of milliseconds since the epoch. The width is constant per type, so
// lexicographic comparison of encoded terms is numeric comparison.

const encodedNumberWidth = 16

// EncodeLong encodes v into a fixed-width, lexicographically sortable form.
func EncodeLong(v int64) string {
	return fmt.Sprintf("%016x", uint64(v)^(1<<63))
}

// DecodeLong is the inverse of EncodeLong.
func DecodeLong(s string) (int64, error) {
	if len(s) != encodedNumberWidth {
		return 0, fmt.Errorf("encoded long has width %d, want %d", len(s), encodedNumberWidth)
	}
	u, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("decode long %q: %w", s, err)
	}
	return int64(u ^ (1 << 63)), nil
}

// EncodeDouble encodes v so that lexicographic order of the result equals
// numeric order of the input, including negative values.
func EncodeDouble(v float64) string {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return fmt.Sprintf("%016x", bits)
}

// EncodeDate encodes t at millisecond precision.
func EncodeDate(t time.Time) string {
	return EncodeLong(t.UnixMilli())
}

// EncodeValue converts a typed value into its term form for the shared
// properties field. STRING/NAME/REFERENCE/PATH values are stored literally;
// ordered types go through the fixed-width encodings above.
func EncodeValue(v Value) (string, error) {
	switch v.Type {
	case ValueString, ValueName, ValueReference, ValuePath:
		return v.Raw, nil
	case ValueBoolean:
		return v.Raw, nil
	case ValueLong:
		n, err := strconv.ParseInt(v.Raw, 10, 64)
		if err != nil {
			return "", fmt.Errorf("long value %q: %w", v.Raw, err)
		}
		return EncodeLong(n), nil
	case ValueDouble:
		f, err := strconv.ParseFloat(v.Raw, 64)
		if err != nil {
			return "", fmt.Errorf("double value %q: %w", v.Raw, err)
		}
		return EncodeDouble(f), nil
	case ValueDate:
		t, err := time.Parse(time.RFC3339, v.Raw)
		if err != nil {
			return "", fmt.Errorf("date value %q: %w", v.Raw, err)
		}
		return EncodeDate(t), nil
	}
	return "", &UnsupportedTypeError{Message: v.Type.String()}
}
