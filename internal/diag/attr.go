package diag

import (
	"github.com/roach88/converge/internal/ir"
)

// payloadAttr flattens scalars for log output; composite values are
// rendered as canonical JSON.
func payloadAttr(v ir.IRValue) any {
	switch val := v.(type) {
	case ir.IRString:
		return string(val)
	case ir.IRInt:
		return int64(val)
	case ir.IRBool:
		return bool(val)
	case nil, ir.IRNull:
		return nil
	default:
		b, err := ir.MarshalCanonical(v)
		if err != nil {
			return err.Error()
		}
		return string(b)
	}
}
