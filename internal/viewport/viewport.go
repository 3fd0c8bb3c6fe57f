package viewport

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"

	"github.com/Amund211/tilestream/internal/domain"
)

// Web mercator stops short of the poles
const maxLatitude = 85.05112878

// Cover returns the tiles within radius tiles of center at zoom, nearest
// first. Columns wrap around the antimeridian and rows are clipped at the
// poles, so the result may be shorter than (2*radius+1)^2.
func Cover(center orb.Point, zoom int, radius int, dataset string) ([]domain.TileID, error) {
	if zoom < 0 || zoom > domain.MaxZoom {
		return nil, fmt.Errorf("%w: zoom %d out of range", domain.ErrInvalidTile, zoom)
	}
	if radius < 0 {
		return nil, fmt.Errorf("negative radius %d", radius)
	}

	center = clampPoint(center)
	z := maptile.Zoom(zoom)
	centerTile := maptile.At(center, z)
	// Position within the tile grid, used to order tiles by distance
	position := maptile.Fraction(center, z)

	type candidate struct {
		tile     domain.TileID
		distance float64
	}

	seen := make(map[domain.CacheKey]struct{})
	candidates := make([]candidate, 0, (2*radius+1)*(2*radius+1))
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			x := int(centerTile.X) + dx
			y := int(centerTile.Y) + dy
			if y < 0 || y >= 1<<zoom {
				continue
			}

			tile, err := domain.NewTileID(zoom, x, y, dataset)
			if err != nil {
				return nil, fmt.Errorf("failed to create tile: %w", err)
			}
			// Small zooms wrap onto the same column more than once
			if _, ok := seen[tile.Key()]; ok {
				continue
			}
			seen[tile.Key()] = struct{}{}

			tileCenter := orb.Point{float64(x) + 0.5, float64(y) + 0.5}
			candidates = append(candidates, candidate{
				tile:     tile,
				distance: planar.Distance(position, tileCenter),
			})
		}
	}

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		default:
			return 0
		}
	})

	tiles := make([]domain.TileID, len(candidates))
	for i, c := range candidates {
		tiles[i] = c.tile
	}
	return tiles, nil
}

func clampPoint(p orb.Point) orb.Point {
	lon := math.Mod(p.Lon()+180, 360)
	if lon < 0 {
		lon += 360
	}
	lat := math.Max(-maxLatitude, math.Min(maxLatitude, p.Lat()))
	return orb.Point{lon - 180, lat}
}

// Camera pans east at a constant rate from Start
type Camera struct {
	Start               orb.Point
	Zoom                int
	Radius              int
	PanDegreesPerSecond float64
	Dataset             string
}

func (c Camera) At(elapsed time.Duration) orb.Point {
	lon := c.Start.Lon() + c.PanDegreesPerSecond*elapsed.Seconds()
	return clampPoint(orb.Point{lon, c.Start.Lat()})
}

// Desired is the tile set the camera wants after elapsed
func (c Camera) Desired(elapsed time.Duration) ([]domain.TileID, error) {
	return Cover(c.At(elapsed), c.Zoom, c.Radius, c.Dataset)
}
