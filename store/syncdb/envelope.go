package syncdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/wolfeidau/fieldsync"
)

const (
	// compressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	// currentEnvelopeVersion is the on-disk envelope schema version.
	currentEnvelopeVersion = 1
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("syncdb: payload exceeds maximum size")

	// ErrDecompressionBomb is returned when the decompressed size exceeds the limit.
	ErrDecompressionBomb = errors.New("syncdb: decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	// Callers treat a corrupted cached resource as a cache miss.
	ErrCorrupted = errors.New("syncdb: payload digest mismatch")
)

// payload encodings.
const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// envelope is the on-disk wrapper for a cached resource. The digest covers
// the uncompressed payload and is verified on every read.
type envelope struct {
	Version   int       `json:"version"`
	Encoding  string    `json:"encoding"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Payload   []byte    `json:"payload"`
}

// envelopeCodec handles envelope encoding/decoding with optional
// compression. The zstd encoder and decoder are goroutine-safe and reused
// across all operations.
type envelopeCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// newEnvelopeCodec creates a codec with pooled zstd encoder/decoder.
func newEnvelopeCodec() (*envelopeCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &envelopeCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *envelopeCodec) Close() {
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

// Encode wraps a payload in an envelope, compressing it when beneficial.
func (c *envelopeCodec) Encode(data []byte, createdAt, expiresAt time.Time) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	env := envelope{
		Version:   currentEnvelopeVersion,
		Encoding:  encodingIdentity,
		Digest:    fieldsync.DigestBytes(data).String(),
		CreatedAt: createdAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
		Payload:   data,
	}

	if len(data) >= compressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(data, nil)
			// Keep the identity payload when compression does not help.
			if len(compressed) < len(data) {
				env.Encoding = encodingZstd
				env.Payload = compressed
			}
		}
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return encoded, nil
}

// Decode unwraps an envelope, decompresses the payload if needed, and
// verifies the digest. A digest mismatch returns ErrCorrupted.
func (c *envelopeCodec) Decode(raw []byte) (payload []byte, expiresAt time.Time, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: unmarshaling envelope: %v", ErrCorrupted, err)
	}

	data := env.Payload
	if env.Encoding == encodingZstd {
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, time.Time{}, errors.New("syncdb: codec closed")
		}
		data, err = dec.DecodeAll(env.Payload, nil)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("%w: decompressing payload: %v", ErrCorrupted, err)
		}
		if len(data) > MaxDecompressedSize {
			return nil, time.Time{}, ErrDecompressionBomb
		}
	}

	want, err := fieldsync.ParseDigest(env.Digest)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: invalid digest: %v", ErrCorrupted, err)
	}
	if got := fieldsync.DigestBytes(data); got != want {
		return nil, time.Time{}, ErrCorrupted
	}

	return data, env.ExpiresAt, nil
}
