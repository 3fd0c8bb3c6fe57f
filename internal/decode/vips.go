package decode

import (
	"context"
	"fmt"

	"github.com/cshum/vipsgen/vips"

	"github.com/Amund211/tilestream/internal/domain"
)

// Vips normalises raster tiles to tileSize×tileSize PNGs.
//
// vips.Startup must have been called before the first Decode.
type Vips struct {
	tileSize int
}

func NewVips(tileSize int) *Vips {
	return &Vips{tileSize: tileSize}
}

func (v *Vips) Decode(ctx context.Context, tile domain.TileID, entry domain.CacheEntry) (any, error) {
	if err := checkEntry(ctx, tile, entry); err != nil {
		return nil, err
	}

	image, err := vips.NewImageFromBuffer(entry.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load image: %w", domain.ErrDataProcessing, err)
	}
	defer image.Close()

	width, height := image.Width(), image.Height()
	if width != v.tileSize || height != v.tileSize {
		scale := float64(v.tileSize) / float64(max(width, height))

		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(scale, resizeOpts); err != nil {
			return nil, fmt.Errorf("%w: failed to resize: %w", domain.ErrDataProcessing, err)
		}

		// Non-square sources are padded, anchored top-left
		if image.Width() < v.tileSize || image.Height() < v.tileSize {
			embedOpts := vips.DefaultEmbedOptions()
			embedOpts.Extend = vips.ExtendBackground
			if err := image.Embed(0, 0, v.tileSize, v.tileSize, embedOpts); err != nil {
				return nil, fmt.Errorf("%w: failed to pad: %w", domain.ErrDataProcessing, err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := image.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to export: %w", domain.ErrDataProcessing, err)
	}

	return Raster{
		Tile:   tile,
		Width:  image.Width(),
		Height: image.Height(),
		Format: "png",
		Data:   data,
	}, nil
}
