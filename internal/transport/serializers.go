// Package transport provides the serializers of the activation server:
// JSON for wire payloads (layer-2 documents, callback bodies) and CBOR for
// records persisted by the bbolt store.
package transport

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Serializer is an interface that provides methods to Marshal/Unmarshal messages.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer provides a Serializer that uses json Marshal/Unmarshal
type JSONSerializer struct{}

// Marshal wraps json.Marshal
func (self JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, wrapError(err, "failed json marshaling") // nil if err is nil
}

// Unmarshal wraps json.Unmarshal
func (self JSONSerializer) Unmarshal(data []byte, v any) error {
	return wrapError(json.Unmarshal(data, v), "failed json unmarshaling") // nil if err is nil
}

var _ Serializer = JSONSerializer{}

// CBORSerializer provides a Serializer backed by cbor modes configured for
// exact time round-tripping: timestamps encode as RFC 3339 text, so the zero
// time survives a store round trip unchanged.
type CBORSerializer struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if nil != err {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if nil != err {
		panic(err)
	}
}

// Marshal wraps the configured cbor EncMode.
func (self CBORSerializer) Marshal(v any) ([]byte, error) {
	data, err := cborEnc.Marshal(v)
	return data, wrapError(err, "failed cbor marshaling") // nil if err is nil
}

// Unmarshal wraps the configured cbor DecMode.
func (self CBORSerializer) Unmarshal(data []byte, v any) error {
	return wrapError(cborDec.Unmarshal(data, v), "failed cbor unmarshaling") // nil if err is nil
}

var _ Serializer = CBORSerializer{}
