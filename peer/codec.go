package peer

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// CompressionThreshold is the minimum body size worth compressing.
	CompressionThreshold = 2 << 10

	// MaxBodySize bounds decoded ShiftLock bodies.
	MaxBodySize = 256 << 20

	encodingZstd = "zstd"
)

var (
	// ErrBodyTooLarge is returned when a decoded body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("peer: body exceeds maximum size")

	// ErrCorrupted is returned when a body does not match its digest.
	ErrCorrupted = errors.New("peer: body digest mismatch")
)

// codec compresses ShiftLock bodies. The zstd encoder and decoder are safe for
// concurrent EncodeAll/DecodeAll calls.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBodySize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

// encode returns data compressed when that is worthwhile. The boolean reports
// whether compression was applied.
func (c *codec) encode(data []byte) ([]byte, bool) {
	if len(data) < CompressionThreshold {
		return data, false
	}
	compressed := c.encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

func (c *codec) decode(payload []byte) ([]byte, error) {
	data, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrBodyTooLarge
		}
		return nil, fmt.Errorf("decoding zstd body: %w", err)
	}
	return data, nil
}

// digest returns the hex BLAKE3 digest of data.
func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
