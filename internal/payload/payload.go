// Package payload converts loosely typed message payloads into concrete types.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is returned when a payload cannot be converted to the target type.
var ErrDecode = errors.New("failed to decode payload")

// Decode stores src in the value pointed to by dst.
//
// Raw JSON (json.RawMessage or []byte) is unmarshaled as is. Any other value is
// marshaled to JSON first, which turns generic maps produced by stores and
// codecs back into structs.
func Decode(src, dst any) error {
	var data []byte
	switch p := src.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// As returns src as T, decoding it when it does not already hold a T.
func As[T any](src any) (T, error) {
	if v, ok := src.(T); ok {
		return v, nil
	}
	var v T
	if err := Decode(src, &v); err != nil {
		return v, err
	}
	return v, nil
}
