package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/maloquacious/goobkv/internal/store"
)

// Key is a normalized key: float64, string, []byte or []any of keys.
type Key = any

const (
	tagNumber = 0x10
	tagString = 0x20
	tagBinary = 0x30
	tagArray  = 0x40
)

// NormalizeKey converts v into its canonical Key form. Integer and float
// types become float64.
func NormalizeKey(v any) (Key, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return nil, fmt.Errorf("%w: NaN is not a valid key", ErrData)
		}
		if x == 0 {
			return float64(0), nil
		}
		return x, nil
	case float32:
		return NormalizeKey(float64(x))
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		return x, nil
	case []byte:
		return append([]byte{}, x...), nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			k, err := NormalizeKey(e)
			if err != nil {
				return nil, err
			}
			out[i] = k
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T is not a valid key", ErrData, v)
}

// CompareKeys orders two normalized keys, returning -1, 0 or 1.
func CompareKeys(a, b Key) int {
	return bytes.Compare(encodeKey(a), encodeKey(b))
}

func encodeKey(k Key) []byte {
	return appendKey(nil, k)
}

func appendKey(dst []byte, k Key) []byte {
	switch x := k.(type) {
	case float64:
		bits := math.Float64bits(x)
		if bits&(1<<63) == 0 {
			bits |= 1 << 63
		} else {
			bits = ^bits
		}
		dst = append(dst, tagNumber)
		return binary.BigEndian.AppendUint64(dst, bits)
	case string:
		return appendEscaped(append(dst, tagString), []byte(x))
	case []byte:
		return appendEscaped(append(dst, tagBinary), x)
	case []any:
		dst = append(dst, tagArray)
		for _, e := range x {
			dst = appendKey(dst, e)
		}
		return append(dst, 0)
	}
	panic(fmt.Sprintf("engine: unnormalized key %T", k))
}

// appendEscaped writes p with every zero byte doubled as 0x00 0xff and
// terminates it with 0x00 0x00.
func appendEscaped(dst, p []byte) []byte {
	for _, c := range p {
		if c == 0 {
			dst = append(dst, 0, 0xff)
		} else {
			dst = append(dst, c)
		}
	}
	return append(dst, 0, 0)
}

func decodeKey(b []byte) (Key, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("%w: empty key encoding", ErrData)
	}
	switch b[0] {
	case tagNumber:
		if len(b) < 9 {
			return nil, nil, fmt.Errorf("%w: short number key", ErrData)
		}
		bits := binary.BigEndian.Uint64(b[1:9])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[9:], nil
	case tagString:
		p, rest, err := readEscaped(b[1:])
		if err != nil {
			return nil, nil, err
		}
		return string(p), rest, nil
	case tagBinary:
		p, rest, err := readEscaped(b[1:])
		if err != nil {
			return nil, nil, err
		}
		if p == nil {
			p = []byte{}
		}
		return p, rest, nil
	case tagArray:
		rest := b[1:]
		arr := []any{}
		for {
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("%w: unterminated array key", ErrData)
			}
			if rest[0] == 0 {
				return arr, rest[1:], nil
			}
			var k Key
			var err error
			k, rest, err = decodeKey(rest)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, k)
		}
	}
	return nil, nil, fmt.Errorf("%w: unknown key tag %#x", ErrData, b[0])
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] != 0 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		switch b[i+1] {
		case 0xff:
			out = append(out, 0)
			i++
		case 0x00:
			return out, b[i+2:], nil
		default:
			return nil, nil, fmt.Errorf("%w: bad escape in key", ErrData)
		}
	}
	return nil, nil, fmt.Errorf("%w: unterminated key", ErrData)
}

// successor returns the smallest encoding greater than enc. Encodings are
// prefix-free, so no stored key lies strictly between the two.
func successor(enc []byte) []byte {
	out := make([]byte, len(enc)+1)
	copy(out, enc)
	return out
}

// KeyRange is a contiguous interval of keys. A nil bound is unbounded.
type KeyRange struct {
	Lower     Key
	Upper     Key
	LowerOpen bool
	UpperOpen bool
}

// Only returns a range containing exactly key.
func Only(key any) (*KeyRange, error) {
	k, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	return &KeyRange{Lower: k, Upper: k}, nil
}

// LowerBound returns the range of keys at or above key (above when open).
func LowerBound(key any, open bool) (*KeyRange, error) {
	k, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	return &KeyRange{Lower: k, LowerOpen: open}, nil
}

// UpperBound returns the range of keys at or below key (below when open).
func UpperBound(key any, open bool) (*KeyRange, error) {
	k, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	return &KeyRange{Upper: k, UpperOpen: open}, nil
}

// Bound returns the range between lower and upper.
func Bound(lower, upper any, lowerOpen, upperOpen bool) (*KeyRange, error) {
	l, err := NormalizeKey(lower)
	if err != nil {
		return nil, err
	}
	u, err := NormalizeKey(upper)
	if err != nil {
		return nil, err
	}
	switch c := CompareKeys(l, u); {
	case c > 0:
		return nil, fmt.Errorf("%w: lower bound is greater than upper bound", ErrData)
	case c == 0 && (lowerOpen || upperOpen):
		return nil, fmt.Errorf("%w: empty range with equal open bounds", ErrData)
	}
	return &KeyRange{Lower: l, Upper: u, LowerOpen: lowerOpen, UpperOpen: upperOpen}, nil
}

// Includes reports whether key lies within the range.
func (r *KeyRange) Includes(key any) bool {
	if r == nil {
		return true
	}
	k, err := NormalizeKey(key)
	if err != nil {
		return false
	}
	nr, err := r.normalized()
	if err != nil {
		return false
	}
	enc := encodeKey(k)
	start, end := nr.bounds()
	if start != nil && bytes.Compare(enc, start) < 0 {
		return false
	}
	return end == nil || bytes.Compare(enc, end) < 0
}

// bounds maps the range onto half-open byte bounds. Because an index entry
// key starts with the encoded index key, the same bounds select index
// entries as well as records.
func (r *KeyRange) bounds() (start, end []byte) {
	if r == nil {
		return nil, nil
	}
	if r.Lower != nil {
		start = encodeKey(r.Lower)
		if r.LowerOpen {
			start = store.PrefixEnd(start)
		}
	}
	if r.Upper != nil {
		end = encodeKey(r.Upper)
		if !r.UpperOpen {
			end = store.PrefixEnd(end)
		}
	}
	return start, end
}

// toRange resolves a query argument: nil selects everything, a *KeyRange is
// used as is and anything else is treated as a single key.
func toRange(query any) (*KeyRange, error) {
	switch q := query.(type) {
	case nil:
		return nil, nil
	case *KeyRange:
		return q.normalized()
	case KeyRange:
		return q.normalized()
	}
	return Only(query)
}

func (r KeyRange) normalized() (*KeyRange, error) {
	var err error
	if r.Lower != nil {
		if r.Lower, err = NormalizeKey(r.Lower); err != nil {
			return nil, err
		}
	}
	if r.Upper != nil {
		if r.Upper, err = NormalizeKey(r.Upper); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
