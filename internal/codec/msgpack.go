package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Amund211/tilestream/internal/domain"
)

// Msgpack is ready to use as the zero value
type Msgpack struct{}

var _ Codec = Msgpack{}

func (Msgpack) Name() string {
	return "msgpack"
}

func (Msgpack) Encode(entry domain.CacheEntry) ([]byte, error) {
	return msgpack.Marshal(envelopeFromEntry(entry))
}

func (Msgpack) Decode(data []byte) (domain.CacheEntry, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	return env.entry(), nil
}
