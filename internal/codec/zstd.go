package codec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/Amund211/tilestream/internal/domain"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Zstd compresses the output of another codec.
//
// Uncompressed input is passed straight to the inner codec, so toggling
// compression keeps existing entries readable.
type Zstd struct {
	inner   Codec
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ Codec = (*Zstd)(nil)

func NewZstd(inner Codec) (*Zstd, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Zstd{
		inner:   inner,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (z *Zstd) Name() string {
	return z.inner.Name() + "+zstd"
}

func (z *Zstd) Encode(entry domain.CacheEntry) ([]byte, error) {
	raw, err := z.inner.Encode(entry)
	if err != nil {
		return nil, err
	}
	return z.encoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func (z *Zstd) Decode(data []byte) (domain.CacheEntry, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return z.inner.Decode(data)
	}

	raw, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("%w: decompress: %w", ErrCorruptEntry, err)
	}
	return z.inner.Decode(raw)
}
