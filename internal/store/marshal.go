package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/converge/internal/ir"
)

// marshalPayload converts a payload to canonical JSON TEXT for storage.
func marshalPayload(p ir.IRObject) (string, error) {
	if p == nil {
		p = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT to IRObject.
// ir.IRObject.UnmarshalJSON decodes numbers via json.Number, so integers
// above 2^53 survive.
func unmarshalPayload(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}
