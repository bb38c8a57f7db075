package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum encoded size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048

	// maxDecodedSize is the hard cap during decompression to prevent
	// compression bombs from corrupted or hostile stored data.
	maxDecodedSize = 64 * 1024 * 1024

	// Encoding markers stored as the first byte of every encoded value.
	encIdentity byte = 0x00
	encZstd     byte = 0x01
)

// ErrCorrupted is returned when stored bytes cannot be decoded. Callers
// treat it as a cache miss, never as a fatal error.
var ErrCorrupted = errors.New("cache: corrupted entry")

// Codec encodes values as JSON with transparent zstd compression for large
// payloads. Encoder and decoder are goroutine-safe and reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode marshals v to JSON and compresses the result when beneficial. The
// returned bytes start with a one-byte encoding marker.
func (c *Codec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}

	if len(data) < compressionThreshold {
		return append([]byte{encIdentity}, data...), nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return append([]byte{encIdentity}, data...), nil
	}

	compressed := enc.EncodeAll(data, make([]byte, 1, len(data)/2))
	compressed[0] = encZstd
	if len(compressed) >= len(data)+1 {
		// Compression did not help, store identity.
		return append([]byte{encIdentity}, data...), nil
	}
	return compressed, nil
}

// Decode decompresses and unmarshals stored bytes into v. Any malformed
// input, unknown marker, or oversized payload maps to ErrCorrupted.
func (c *Codec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrCorrupted
	}

	var payload []byte
	switch data[0] {
	case encIdentity:
		payload = data[1:]
	case encZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return ErrCorrupted
		}
		out, err := dec.DecodeAll(data[1:], nil)
		if err != nil || len(out) > maxDecodedSize {
			return ErrCorrupted
		}
		payload = out
	default:
		return ErrCorrupted
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return ErrCorrupted
	}
	return nil
}
