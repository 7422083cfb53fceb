package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Encoder writes values to a stream
type Encoder interface {
	Encode(v any) error
}

// Decoder reads values from a stream
type Decoder interface {
	Decode(v any) error
}

// Codec serializes messages on the wire
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder

	// FrameType is the WebSocket message type carrying an encoded value.
	FrameType() int
}

// Codecs by name
var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName returns the codec registered as name
func CodecByName(name string) (Codec, error) {
	switch name {
	case JSON.Name():
		return JSON, nil
	case CBOR.Name():
		return CBOR, nil
	}
	return nil, errors.Errorf("unknown codec %q", name)
}

// jsonCodec writes one JSON document per line. Numbers are decoded as
// json.Number and byte payloads travel as base64 strings.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (jsonCodec) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec
}

func (jsonCodec) FrameType() int { return websocket.TextMessage }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		// messages only use string keys
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// cborCodec keeps integers and byte strings native
type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

func (cborCodec) NewEncoder(w io.Writer) Encoder {
	return cborEnc.NewEncoder(w)
}

func (cborCodec) NewDecoder(r io.Reader) Decoder {
	return cborDec.NewDecoder(r)
}

func (cborCodec) FrameType() int { return websocket.BinaryMessage }
