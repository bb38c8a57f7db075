package cache

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	drawsync "github.com/drawbase/drawsync"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()

	codec, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestCodecSmallPayloadIdentity(t *testing.T) {
	codec := newTestCodec(t)

	content := &drawsync.CanvasContent{
		Elements: []json.RawMessage{json.RawMessage(`{"type":"rectangle"}`)},
	}

	data, err := codec.Encode(content)
	require.NoError(t, err)
	require.Equal(t, encIdentity, data[0])

	var got drawsync.CanvasContent
	require.NoError(t, codec.Decode(data, &got))
	require.True(t, content.Equal(&got))
}

func TestCodecLargePayloadCompressed(t *testing.T) {
	codec := newTestCodec(t)

	// Repetitive content well past the compression threshold.
	element := `{"type":"rectangle","x":100,"y":200,"width":50,"height":50}`
	content := &drawsync.CanvasContent{}
	for range 200 {
		content.Elements = append(content.Elements, json.RawMessage(element))
	}

	data, err := codec.Encode(content)
	require.NoError(t, err)
	require.Equal(t, encZstd, data[0])

	var got drawsync.CanvasContent
	require.NoError(t, codec.Decode(data, &got))
	require.True(t, content.Equal(&got))
}

func TestCodecIncompressiblePayloadStaysIdentity(t *testing.T) {
	codec := newTestCodec(t)

	// High-entropy appState defeats compression.
	var sb strings.Builder
	for i := range 4096 {
		sb.WriteByte(byte('a' + (i*7+i*i*13)%26))
	}
	content := &drawsync.CanvasContent{
		AppState: json.RawMessage(`"` + sb.String() + `"`),
	}

	data, err := codec.Encode(content)
	require.NoError(t, err)

	var got drawsync.CanvasContent
	require.NoError(t, codec.Decode(data, &got))
	require.True(t, content.Equal(&got))
}

func TestCodecDecodeCorrupted(t *testing.T) {
	codec := newTestCodec(t)

	var got drawsync.CanvasContent

	// Empty input.
	require.ErrorIs(t, codec.Decode(nil, &got), ErrCorrupted)

	// Unknown marker.
	require.ErrorIs(t, codec.Decode([]byte{0xff, '{', '}'}, &got), ErrCorrupted)

	// Identity marker with invalid JSON.
	require.ErrorIs(t, codec.Decode([]byte{encIdentity, 'n', 'o'}, &got), ErrCorrupted)

	// Zstd marker with garbage.
	require.ErrorIs(t, codec.Decode([]byte{encZstd, 0x01, 0x02, 0x03}, &got), ErrCorrupted)
}
