package codec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskqueue/pkg/errkind"
)

func TestJSONCodecRoundTripsTask(t *testing.T) {
	c := NewJSONCodec()

	call := Call{Handler: "add", Argument: map[string]any{"a": float64(2), "b": float64(3)}}
	encoded, err := c.EncodeTask(call)
	require.NoError(t, err)

	decoded, err := c.DecodeTask(encoded)
	require.NoError(t, err)
	assert.Equal(t, call, decoded)
}

func TestJSONCodecRoundTripsValue(t *testing.T) {
	c := NewJSONCodec()

	for _, value := range []any{float64(5), "ok", map[string]any{"x": float64(1)}, []any{float64(1), float64(2)}} {
		encoded, err := c.EncodeValue(value)
		require.NoError(t, err)
		decoded, err := c.DecodeValue(encoded)
		require.NoError(t, err)
		assert.Equal(t, value, decoded)
	}
}

func TestJSONCodecDecodeValueEmptyIsNil(t *testing.T) {
	c := NewJSONCodec()
	value, err := c.DecodeValue(nil)
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestJSONCodecDecodeTaskInvalidBytes(t *testing.T) {
	c := NewJSONCodec()
	_, err := c.DecodeTask([]byte("not json"))
	assert.ErrorIs(t, err, errkind.ErrCodec)
}

func TestJSONCodecEncodeValueUnsupportedType(t *testing.T) {
	c := NewJSONCodec()
	_, err := c.EncodeValue(make(chan int))
	assert.ErrorIs(t, err, errkind.ErrCodec)
}

func TestHandlerRegistryLookup(t *testing.T) {
	reg := NewHandlerRegistry()
	_, ok := reg.Lookup("missing")
	assert.False(t, ok)

	reg.Register("add", func(ctx context.Context, argument any) (any, error) {
		return nil, nil
	})
	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	h, ok := reg.Lookup("add")
	require.True(t, ok)
	value, err := h(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, value)
}
