package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Coder converts result values to and from the bytes stored in a Backend.
// Decode always receives a pointer to the declared result type, so the
// original type is reconstructed rather than a generic structure.
type Coder interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
}

// JSONCoder is the default Coder. It stores values as JSON text.
type JSONCoder struct{}

var _ Coder = JSONCoder{}

func (JSONCoder) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, encodeError(err, v)
	}
	return data, nil
}

func (JSONCoder) Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return decodeError(err, out)
	}
	return nil
}

// MsgpackCoder stores values as msgpack. It is more compact than JSON and
// keeps integer and binary types intact. Struct fields must be exported.
type MsgpackCoder struct{}

var _ Coder = MsgpackCoder{}

func (MsgpackCoder) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, encodeError(err, v)
	}
	return data, nil
}

func (MsgpackCoder) Decode(data []byte, out any) error {
	if err := msgpack.Unmarshal(data, out); err != nil {
		return decodeError(err, out)
	}
	return nil
}

// GobCoder stores values with encoding/gob, Go's native object serialization.
// Payloads are only portable between Go programs sharing the same types and
// must only be decoded from stores you trust. Interface-typed values need to
// be registered with gob.Register.
type GobCoder struct{}

var _ Coder = GobCoder{}

func (GobCoder) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, encodeError(err, v)
	}
	return buf.Bytes(), nil
}

func (GobCoder) Decode(data []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return decodeError(err, out)
	}
	return nil
}
