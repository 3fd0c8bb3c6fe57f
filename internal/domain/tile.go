package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb/maptile"
)

const MaxZoom = 24

// CacheKey identifies one cacheable artifact: a canonical tile in a dataset.
type CacheKey string

func (k CacheKey) String() string {
	return string(k)
}

// TileID is the canonical address of a tile within a dataset.
//
// Construct with NewTileID so that x is wrapped into range.
type TileID struct {
	Tile    maptile.Tile
	Dataset string
}

func NewTileID(z, x, y int, dataset string) (TileID, error) {
	if dataset == "" {
		return TileID{}, fmt.Errorf("%w: empty dataset", ErrInvalidTile)
	}
	if z < 0 || z > MaxZoom {
		return TileID{}, fmt.Errorf("%w: zoom %d out of range", ErrInvalidTile, z)
	}

	size := 1 << z
	if y < 0 || y >= size {
		return TileID{}, fmt.Errorf("%w: y %d out of range at zoom %d", ErrInvalidTile, y, z)
	}

	// Wrap around the antimeridian
	x %= size
	if x < 0 {
		x += size
	}

	return TileID{
		Tile:    maptile.New(uint32(x), uint32(y), maptile.Zoom(z)),
		Dataset: dataset,
	}, nil
}

func MustTileID(z, x, y int, dataset string) TileID {
	id, err := NewTileID(z, x, y, dataset)
	if err != nil {
		panic(err)
	}
	return id
}

func (t TileID) Z() int {
	return int(t.Tile.Z)
}

func (t TileID) X() int {
	return int(t.Tile.X)
}

func (t TileID) Y() int {
	return int(t.Tile.Y)
}

func (t TileID) Key() CacheKey {
	return CacheKey(t.String())
}

func (t TileID) Hash() uint64 {
	return xxhash.Sum64String(t.String())
}

func (t TileID) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", t.Dataset, t.Tile.Z, t.Tile.X, t.Tile.Y)
}

// Parent returns the tile covering t one zoom level up, if any
func (t TileID) Parent() (TileID, bool) {
	if t.Tile.Z == 0 {
		return TileID{}, false
	}
	return TileID{Tile: t.Tile.Parent(), Dataset: t.Dataset}, true
}

// Ancestor walks up the given number of levels, stopping at zoom 0
func (t TileID) Ancestor(levels int) (TileID, bool) {
	current := t
	for range levels {
		parent, ok := current.Parent()
		if !ok {
			return TileID{}, false
		}
		current = parent
	}
	return current, true
}

// URL expands a template containing {z}, {x} and {y} placeholders
func (t TileID) URL(template string) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z()),
		"{x}", strconv.Itoa(t.X()),
		"{y}", strconv.Itoa(t.Y()),
		"{dataset}", t.Dataset,
	).Replace(template)
}
