package domaintest

import (
	"testing"
	"time"

	"github.com/Amund211/tilestream/internal/domain"
	"github.com/stretchr/testify/require"
)

const Dataset = "testset"

func NewTile(t *testing.T, z, x, y int) domain.TileID {
	t.Helper()
	id, err := domain.NewTileID(z, x, y, Dataset)
	require.NoError(t, err)
	return id
}

type entryBuilder struct {
	entry domain.CacheEntry
}

func (eb *entryBuilder) WithTier(tier domain.Tier) *entryBuilder {
	eb.entry.Tier = tier
	return eb
}

func (eb *entryBuilder) WithETag(etag string) *entryBuilder {
	eb.entry.ETag = etag
	return eb
}

func (eb *entryBuilder) WithExpiresAt(expiresAt time.Time) *entryBuilder {
	eb.entry.ExpiresAt = expiresAt
	return eb
}

func (eb *entryBuilder) Build() domain.CacheEntry {
	entry := eb.entry
	// Don't share the payload with later builds
	entry.Data = append([]byte(nil), eb.entry.Data...)
	return entry
}

func NewEntryBuilder(data []byte) *entryBuilder {
	return &entryBuilder{
		entry: domain.CacheEntry{
			Data:       data,
			Tier:       domain.TierNetwork,
			StatusCode: 200,
		},
	}
}
