// Package geo implements the tile-grid spatial index used to answer
// viewport queries against cached pins.
package geo

import (
	"fmt"
	"math"

	"github.com/placepin/pincache/internal/model"
)

// ZoomBucket is one of a small fixed set of granularities the index is
// maintained at. The UI's continuous zoom value is mapped onto these
// buckets so nearby zoom levels share cache entries.
type ZoomBucket int

const (
	Coarse ZoomBucket = iota
	Medium
	Fine
)

// Buckets lists every supported bucket, coarse to fine.
func Buckets() []ZoomBucket { return []ZoomBucket{Coarse, Medium, Fine} }

// Span returns the tile edge length in degrees for the bucket.
func (z ZoomBucket) Span() float64 {
	switch z {
	case Coarse:
		return 0.5
	case Medium:
		return 0.1
	default:
		return 0.02
	}
}

func (z ZoomBucket) String() string {
	switch z {
	case Coarse:
		return "coarse"
	case Medium:
		return "medium"
	default:
		return "fine"
	}
}

// BucketForZoom maps a continuous map zoom level onto a bucket.
func BucketForZoom(zoom float64) ZoomBucket {
	switch {
	case zoom < 9:
		return Coarse
	case zoom < 13:
		return Medium
	default:
		return Fine
	}
}

// Tile is one grid cell at a given bucket. X and Y are floor-quantized
// lng/lat offsets, so a point on a tile edge always lands in the tile
// whose min corner it touches.
type Tile struct {
	Bucket ZoomBucket
	X      int
	Y      int
}

// TileAt quantizes a coordinate into its tile. Pure function: identical
// inputs always yield the identical tile, which is what makes cache
// hits reproducible across independent fetches.
func TileAt(lat, lng float64, z ZoomBucket) Tile {
	span := z.Span()
	return Tile{
		Bucket: z,
		X:      int(math.Floor(lng / span)),
		Y:      int(math.Floor(lat / span)),
	}
}

// Key renders the tile as a stable cache-key string.
func (t Tile) Key() string {
	return fmt.Sprintf("z%d:%d:%d", int(t.Bucket), t.X, t.Y)
}

// Bounds returns the geographic rectangle the tile covers.
func (t Tile) Bounds() model.Bounds {
	span := t.Bucket.Span()
	return model.Bounds{
		MinLng: float64(t.X) * span,
		MinLat: float64(t.Y) * span,
		MaxLng: float64(t.X+1) * span,
		MaxLat: float64(t.Y+1) * span,
	}
}

// Neighbors returns the 8 tiles adjacent to t at the same bucket,
// row-major from the south-west corner.
func (t Tile) Neighbors() []Tile {
	out := make([]Tile, 0, 8)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			out = append(out, Tile{Bucket: t.Bucket, X: t.X + dx, Y: t.Y + dy})
		}
	}
	return out
}

// TilesForBounds enumerates every tile intersecting the bounds at the
// bucket, in deterministic row-major order. Partial-overlap tiles are
// included, and zero-area bounds still yield the single tile containing
// the point.
func TilesForBounds(b model.Bounds, z ZoomBucket) []Tile {
	span := z.Span()
	x0 := int(math.Floor(b.MinLng / span))
	x1 := int(math.Floor(b.MaxLng / span))
	y0 := int(math.Floor(b.MinLat / span))
	y1 := int(math.Floor(b.MaxLat / span))

	out := make([]Tile, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, Tile{Bucket: z, X: x, Y: y})
		}
	}
	return out
}
