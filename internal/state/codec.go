package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedPayload is returned when bytes cannot be decoded into a Payload.
var ErrMalformedPayload = errors.New("malformed state payload")

// Codec converts a Payload to bytes and back. Encoding is deterministic.
type Codec interface {
	Marshal(Payload) ([]byte, error)
	Unmarshal([]byte) (Payload, error)
}

// JSONCodec is human readable; used for payloads stored server side.
type JSONCodec struct{}

func (JSONCodec) Marshal(p Payload) ([]byte, error) {
	// encoding/json sorts map keys
	b, err := json.Marshal(p.flatten())
	if err != nil {
		return nil, fmt.Errorf("encoding state payload: %w", err)
	}
	return b, nil
}

func (JSONCodec) Unmarshal(b []byte) (Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(b, &w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return fromWire(w, all), nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: sorted keys, shortest ints
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBORCodec is compact; used where the payload itself travels in the state string.
type CBORCodec struct{}

func (CBORCodec) Marshal(p Payload) ([]byte, error) {
	b, err := cborEnc.Marshal(p.flatten())
	if err != nil {
		return nil, fmt.Errorf("encoding state payload: %w", err)
	}
	return b, nil
}

func (CBORCodec) Unmarshal(b []byte) (Payload, error) {
	var w wirePayload
	if err := cborDec.Unmarshal(b, &w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var all map[string]any
	if err := cborDec.Unmarshal(b, &all); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return fromWire(w, all), nil
}
