package xsaga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

func TestMessage_WithMeta(t *testing.T) {
	orig := &Message{
		Name:     "OrderSubmitted",
		Metadata: map[string]string{"source": "api"},
	}

	cp := orig.WithMeta(MetaAttempt, "2")
	assert.Equal(t, "2", cp.Meta(MetaAttempt))
	assert.Equal(t, "api", cp.Meta("source"))

	// copy-on-write: the original is untouched
	assert.Equal(t, "", orig.Meta(MetaAttempt))

	// nil metadata is handled
	bare := &Message{Name: "OrderSubmitted"}
	assert.Equal(t, "", bare.Meta(MetaAttempt))
	cp = bare.WithMeta(MetaAttempt, "1")
	assert.Equal(t, "1", cp.Meta(MetaAttempt))
	assert.Nil(t, bare.Metadata)
}

func TestState_Clone(t *testing.T) {
	st := &State{
		ID:            "s-1",
		Name:          "order",
		CorrelationID: "ord-1",
		Version:       2,
		Data:          []byte(`{"status":"pending"}`),
	}

	cp := st.Clone()
	require.NotSame(t, st, cp)
	assert.Equal(t, st, cp)

	cp.Data[0] = 'X'
	assert.Equal(t, byte('{'), st.Data[0])

	var nilState *State
	assert.Nil(t, nilState.Clone())
}

func TestJSONCodec(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	raw, err := c.Marshal(map[string]string{"k": "v"})
	require.NoError(t, err)

	out, err := DecodeCodec[map[string]string](c, &Message{Payload: raw})
	require.NoError(t, err)
	assert.Equal(t, "v", out["k"])

	_, err = NewCodec("protobuf")
	require.Error(t, err)
}

func TestDispatchDeps(t *testing.T) {
	base := context.Background()

	_, ok := CodecFromContext(base)
	assert.False(t, ok)
	_, ok = LoggerFromContext(base)
	assert.False(t, ok)
	_, ok = ClockFromContext(base)
	assert.False(t, ok)

	ctx := injectDeps(base, JSONCodec{}, xlog.Default(), xclock.Default())

	c, ok := CodecFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())
	_, ok = LoggerFromContext(ctx)
	assert.True(t, ok)
	_, ok = ClockFromContext(ctx)
	assert.True(t, ok)

	// Decode works against a bare context via the JSON fallback.
	out, err := Decode[map[string]string](base, &Message{Payload: []byte(`{"k":"v"}`)})
	require.NoError(t, err)
	assert.Equal(t, "v", out["k"])
}
