package engine

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
	return dm
}

func encodeValue(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrData, err)
	}
	return data, nil
}

func decodeValue(data []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return v, nil
}

// cloneValue returns the structured clone of v: maps become map[string]any,
// integers int64 and structs maps keyed by their cbor or json field names.
func cloneValue(v any) (any, error) {
	data, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return decodeValue(data)
}

// DecodeValue copies a record value returned by the engine into out, which
// may be any type the value could have been encoded from.
func DecodeValue(value any, out any) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	return decMode.Unmarshal(data, out)
}
