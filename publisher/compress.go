package publisher

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdTransformer wraps another transformer and compresses its payloads.
// Worth it for wide rows fanned out to brokers; consumers must decompress.
type ZstdTransformer struct {
	inner   Transformer
	encoder *zstd.Encoder
}

// NewZstdTransformer creates a compressing wrapper around inner.
func NewZstdTransformer(inner Transformer) (*ZstdTransformer, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &ZstdTransformer{inner: inner, encoder: encoder}, nil
}

// Transform renders the event through the inner transformer and
// compresses the result. EncodeAll is safe for concurrent use.
func (t *ZstdTransformer) Transform(event Event) ([]byte, error) {
	payload, err := t.inner.Transform(event)
	if err != nil {
		return nil, err
	}
	return t.encoder.EncodeAll(payload, make([]byte, 0, len(payload))), nil
}
