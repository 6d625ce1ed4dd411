package serverfn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireErrorRoundTrip(t *testing.T, c Codec, in *Error) *Error {
	t.Helper()
	data, err := c.MarshalError(in)
	require.NoError(t, err)
	out, ok := c.UnmarshalError(data)
	require.True(t, ok, "payload should decode as a taxonomy value")
	return out
}

func TestWireErrorRoundTrip(t *testing.T) {
	for _, c := range []Codec{jsonCodec{}, binaryCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			out := wireErrorRoundTrip(t, c, CustomError("boom"))
			assert.Equal(t, KindCustom, out.Kind)
			assert.Equal(t, "boom", out.Detail)

			out = wireErrorRoundTrip(t, c, ServerStatusError(503))
			assert.Equal(t, KindServerStatus, out.Kind)
			assert.Equal(t, 503, out.Status)

			out = wireErrorRoundTrip(t, c, DeserializationError("bad input"))
			assert.Equal(t, KindDeserialization, out.Kind)
			assert.Equal(t, "bad input", out.Detail)
		})
	}
}

func TestWireErrorAppPayload(t *testing.T) {
	for _, c := range []Codec{jsonCodec{}, binaryCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			out := wireErrorRoundTrip(t, c, AppError(map[string]int{"used": 7}))
			require.Equal(t, KindApp, out.Kind)

			var payload map[string]int
			require.NoError(t, out.appCodec.Unmarshal(out.appRaw, &payload))
			assert.Equal(t, 7, payload["used"])
		})
	}
}

func TestWireErrorNilAppDegradesToCustom(t *testing.T) {
	for _, c := range []Codec{jsonCodec{}, binaryCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			out := wireErrorRoundTrip(t, c, AppError(nil))
			assert.Equal(t, KindCustom, out.Kind)
			assert.Equal(t, "application error", out.Detail)
		})
	}
}

func TestWireErrorUnencodableAppDegrades(t *testing.T) {
	// Channels have no JSON representation; the error text must survive
	// even though the payload cannot.
	data, err := jsonCodec{}.MarshalError(AppError(make(chan int)))
	require.NoError(t, err)
	out, ok := jsonCodec{}.UnmarshalError(data)
	require.True(t, ok)
	assert.Equal(t, KindCustom, out.Kind)
	assert.Contains(t, out.Detail, "application error")
}

func TestUnmarshalErrorRejectsNonTaxonomy(t *testing.T) {
	_, ok := jsonCodec{}.UnmarshalError([]byte(`{"value": 42}`))
	assert.False(t, ok, "untagged object is not a taxonomy value")

	_, ok = jsonCodec{}.UnmarshalError([]byte(`{"type":"Exotic","data":"x"}`))
	assert.False(t, ok, "unknown tag is not a taxonomy value")

	_, ok = jsonCodec{}.UnmarshalError([]byte(`not json at all`))
	assert.False(t, ok)

	_, ok = binaryCodec{}.UnmarshalError([]byte{0x01, 0x02})
	assert.False(t, ok)
}

func TestCodecContentTypes(t *testing.T) {
	assert.Equal(t, "application/json", codecFor(EncodingJSON).ContentType())
	assert.Equal(t, "application/msgpack", codecFor(EncodingBinary).ContentType())
	assert.Equal(t, "json", EncodingJSON.String())
	assert.Equal(t, "binary", EncodingBinary.String())
}
