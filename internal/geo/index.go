package geo

import (
	"sort"
	"sync"

	"github.com/placepin/pincache/internal/model"
)

// Index maps tiles to the set of entity ids located inside them. Every
// insert registers the entity at all supported buckets at once, so a
// pin fetched at a coarse zoom is discoverable at fine zoom too.
//
// All methods are safe for concurrent use and never yield mid-update,
// so interleaved callers never observe a half-applied write.
type Index struct {
	mu    sync.RWMutex
	tiles map[string]map[string]struct{}
}

func NewIndex() *Index {
	return &Index{tiles: make(map[string]map[string]struct{})}
}

// Insert registers the entity id in the tile sets for every bucket.
// Inserting the same id at the same coordinates twice is a no-op.
func (ix *Index) Insert(id string, lat, lng float64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, z := range Buckets() {
		k := TileAt(lat, lng, z).Key()
		set, ok := ix.tiles[k]
		if !ok {
			set = make(map[string]struct{})
			ix.tiles[k] = set
		}
		set[id] = struct{}{}
	}
}

// Remove takes the entity id out of exactly the tiles Insert put it in.
// Empty tile sets are deleted so the map does not accumulate dead keys.
// Removing an absent id is a no-op.
func (ix *Index) Remove(id string, lat, lng float64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, z := range Buckets() {
		k := TileAt(lat, lng, z).Key()
		set, ok := ix.tiles[k]
		if !ok {
			continue
		}
		delete(set, id)
		if len(set) == 0 {
			delete(ix.tiles, k)
		}
	}
}

// IDsForBounds returns the union of tile contents for every tile
// intersecting the bounds, sorted for determinism.
func (ix *Index) IDsForBounds(b model.Bounds, z ZoomBucket) []string {
	tiles := TilesForBounds(b, z)

	ix.mu.RLock()
	seen := make(map[string]struct{})
	for _, t := range tiles {
		for id := range ix.tiles[t.Key()] {
			seen[id] = struct{}{}
		}
	}
	ix.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TileCount reports how many non-empty tile sets exist across all
// buckets.
func (ix *Index) TileCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.tiles)
}

// Clear drops every tile set.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tiles = make(map[string]map[string]struct{})
}
