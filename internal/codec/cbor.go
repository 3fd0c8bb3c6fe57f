package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Amund211/tilestream/internal/domain"
)

type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec = CBOR{}

func NewCBOR() (CBOR, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return CBOR{}, err
	}
	dec, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBOR{}, err
	}
	return CBOR{enc: enc, dec: dec}, nil
}

func (c CBOR) Name() string {
	return "cbor"
}

func (c CBOR) Encode(entry domain.CacheEntry) ([]byte, error) {
	return c.enc.Marshal(envelopeFromEntry(entry))
}

func (c CBOR) Decode(data []byte) (domain.CacheEntry, error) {
	var env envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	return env.entry(), nil
}
