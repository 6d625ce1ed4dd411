package serverfn

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects the wire representation for one descriptor. It applies
// to every call through that descriptor; there is no per-call negotiation.
type Encoding int

const (
	// EncodingJSON is the default, human-inspectable encoding.
	EncodingJSON Encoding = iota
	// EncodingBinary is a compact MessagePack encoding with identical
	// semantics.
	EncodingBinary
)

func (e Encoding) String() string {
	if e == EncodingBinary {
		return "binary"
	}
	return "json"
}

// Codec encodes parameter, result, and taxonomy-error values for one
// descriptor's wire format.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// MarshalError encodes a taxonomy error as a tagged wire value.
	MarshalError(e *Error) ([]byte, error)
	// UnmarshalError attempts to decode a tagged taxonomy value. It
	// reports false when the payload is not a taxonomy value at all, in
	// which case the caller falls back to ServerStatus.
	UnmarshalError(data []byte) (*Error, bool)
}

func codecFor(enc Encoding) Codec {
	if enc == EncodingBinary {
		return binaryCodec{}
	}
	return jsonCodec{}
}

// errorData picks the wire payload for one taxonomy variant.
func errorData(e *Error) any {
	switch e.Kind {
	case KindServerStatus:
		return e.Status
	case KindApp:
		return e.App
	default:
		return e.Detail
	}
}

func knownKind(s string) bool {
	switch ErrorKind(s) {
	case KindSerialization, KindDeserialization, KindTransport,
		KindServerStatus, KindCustom, KindApp:
		return true
	}
	return false
}

// --- JSON ---

type jsonCodec struct{}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type jsonWireError struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (jsonCodec) MarshalError(e *Error) ([]byte, error) {
	data, err := json.Marshal(errorData(e))
	if err != nil {
		// The App payload failed to encode; degrade rather than lose the
		// error entirely.
		data, _ = json.Marshal(e.Error())
		return json.Marshal(jsonWireError{Type: string(KindCustom), Data: data})
	}
	return json.Marshal(jsonWireError{Type: string(e.Kind), Data: data})
}

func (c jsonCodec) UnmarshalError(data []byte) (*Error, bool) {
	var wire jsonWireError
	if err := json.Unmarshal(data, &wire); err != nil || !knownKind(wire.Type) {
		return nil, false
	}
	return decodeWireError(c, ErrorKind(wire.Type), wire.Data, func(raw []byte) bool {
		s := string(raw)
		return len(raw) == 0 || s == "null"
	})
}

// --- Binary (MessagePack) ---

type binaryCodec struct{}

func (binaryCodec) Name() string        { return "msgpack" }
func (binaryCodec) ContentType() string { return "application/msgpack" }

func (binaryCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (binaryCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

type binaryWireError struct {
	Type string             `msgpack:"type"`
	Data msgpack.RawMessage `msgpack:"data"`
}

func (binaryCodec) MarshalError(e *Error) ([]byte, error) {
	data, err := msgpack.Marshal(errorData(e))
	if err != nil {
		data, _ = msgpack.Marshal(e.Error())
		return msgpack.Marshal(binaryWireError{Type: string(KindCustom), Data: data})
	}
	return msgpack.Marshal(binaryWireError{Type: string(e.Kind), Data: data})
}

func (c binaryCodec) UnmarshalError(data []byte) (*Error, bool) {
	var wire binaryWireError
	if err := msgpack.Unmarshal(data, &wire); err != nil || !knownKind(wire.Type) {
		return nil, false
	}
	return decodeWireError(c, ErrorKind(wire.Type), wire.Data, func(raw []byte) bool {
		return len(raw) == 0 || (len(raw) == 1 && raw[0] == 0xc0)
	})
}

// decodeWireError rebuilds a taxonomy error from its tag and raw payload.
// isNil reports whether the raw payload encodes the codec's nil value: an
// App error with no payload degrades to Custom, since the concrete type is
// unknowable at this call site.
func decodeWireError(c Codec, kind ErrorKind, raw []byte, isNil func([]byte) bool) (*Error, bool) {
	switch kind {
	case KindServerStatus:
		var status int
		if err := c.Unmarshal(raw, &status); err != nil {
			return nil, false
		}
		return &Error{Kind: KindServerStatus, Status: status}, true
	case KindApp:
		if isNil(raw) {
			return &Error{Kind: KindCustom, Detail: "application error"}, true
		}
		return &Error{Kind: KindApp, appRaw: raw, appCodec: c}, true
	default:
		var detail string
		if err := c.Unmarshal(raw, &detail); err != nil {
			return nil, false
		}
		return &Error{Kind: kind, Detail: detail}, true
	}
}
