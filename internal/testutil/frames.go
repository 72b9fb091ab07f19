package testutil

import (
	"fmt"
	"math"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// PeekFrame returns the type and payload of any frame, server-originated or not,
// without validating the payload shape.
func PeekFrame(data []byte) (protocol.Type, []any, error) {
	fields, err := protocol.DecodeFields(data)
	if err != nil {
		return 0, nil, err
	}
	raw, ok := Int(fields[1])
	if !ok || raw < 0 || raw > math.MaxUint8 {
		return 0, nil, fmt.Errorf("%w: type field is %v", protocol.ErrDecodeFailure, fields[1])
	}
	return protocol.Type(raw), fields[2:], nil
}

// Int converts a decoded numeric field to int64. Fields come from loose decoding,
// so integers arrive as int64 or uint64.
func Int(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= 1<<63 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
