package codec

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/taskqueue/pkg/errkind"
)

// jsonCall is the at-rest shape of a Call: the handler name plus its
// argument value, marshaled the same way the teacher's storage layer
// marshals every domain struct before writing it to a bucket.
type jsonCall struct {
	Handler  string          `json:"handler"`
	Argument json.RawMessage `json:"argument"`
}

// JSONCodec is the default Codec: it marshals both calls and values with
// encoding/json. Argument and return values must be JSON-marshalable.
type JSONCodec struct{}

// NewJSONCodec returns a ready-to-use JSONCodec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (JSONCodec) EncodeTask(call Call) ([]byte, error) {
	argument, err := json.Marshal(call.Argument)
	if err != nil {
		return nil, fmt.Errorf("%w: encode argument for handler %s: %v", errkind.ErrCodec, call.Handler, err)
	}
	data, err := json.Marshal(jsonCall{Handler: call.Handler, Argument: argument})
	if err != nil {
		return nil, fmt.Errorf("%w: encode call: %v", errkind.ErrCodec, err)
	}
	return data, nil
}

func (JSONCodec) DecodeTask(payload []byte) (Call, error) {
	var jc jsonCall
	if err := json.Unmarshal(payload, &jc); err != nil {
		return Call{}, fmt.Errorf("%w: decode call: %v", errkind.ErrCodec, err)
	}
	var argument any
	if len(jc.Argument) > 0 {
		if err := json.Unmarshal(jc.Argument, &argument); err != nil {
			return Call{}, fmt.Errorf("%w: decode argument for handler %s: %v", errkind.ErrCodec, jc.Handler, err)
		}
	}
	return Call{Handler: jc.Handler, Argument: argument}, nil
}

func (JSONCodec) EncodeValue(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: encode value: %v", errkind.ErrCodec, err)
	}
	return data, nil
}

func (JSONCodec) DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("%w: decode value: %v", errkind.ErrCodec, err)
	}
	return value, nil
}
