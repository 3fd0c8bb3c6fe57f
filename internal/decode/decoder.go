// Package decode turns fetched tile payloads into artifacts for the renderer.
// Decoding runs on scheduler workers, never on the control loop.
package decode

import (
	"context"
	"fmt"

	"github.com/Amund211/tilestream/internal/domain"
)

type Decoder interface {
	Decode(ctx context.Context, tile domain.TileID, entry domain.CacheEntry) (any, error)
}

// Raster is a decoded image tile
type Raster struct {
	Tile   domain.TileID
	Width  int
	Height int
	Format string
	Data   []byte
}

func checkEntry(ctx context.Context, tile domain.TileID, entry domain.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.HasError {
		return fmt.Errorf("%w: entry for %s is marked as failed", domain.ErrDataProcessing, tile)
	}
	if len(entry.Data) == 0 {
		return fmt.Errorf("%w: empty payload for %s", domain.ErrDataProcessing, tile)
	}
	return nil
}

// Passthrough hands the payload to the renderer unchanged
type Passthrough struct{}

func (Passthrough) Decode(ctx context.Context, tile domain.TileID, entry domain.CacheEntry) (any, error) {
	if err := checkEntry(ctx, tile, entry); err != nil {
		return nil, err
	}
	return Raster{
		Tile:   tile,
		Format: "raw",
		Data:   entry.Data,
	}, nil
}
