// Package pincache composes the tile index and the entity store into a
// viewport-answering cache with hit/miss semantics and bounded staleness.
package pincache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/placepin/pincache/internal/cache/entity"
	"github.com/placepin/pincache/internal/geo"
	"github.com/placepin/pincache/internal/model"
	"github.com/placepin/pincache/internal/observability"
)

const (
	// DefaultMaxAge is how long a cached pin or tile mapping is served
	// before it is treated as a miss.
	DefaultMaxAge = 2 * time.Minute
	// DefaultCommentsTTL bounds the per-pin comment list cache.
	DefaultCommentsTTL = time.Minute
	// DefaultCommentsSize bounds how many comment lists are held.
	DefaultCommentsSize = 512
)

type Config struct {
	MaxAge       time.Duration
	CommentsTTL  time.Duration
	CommentsSize int
	Logger       zerolog.Logger
	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Stats is the read-only snapshot served by the debug surface.
type Stats struct {
	Pins          int   `json:"pins"`
	Tiles         int   `json:"tiles"`
	FreshTiles    int   `json:"fresh_tiles"`
	CommentLists  int   `json:"comment_lists"`
	PinHits       int64 `json:"pin_hits"`
	PinMisses     int64 `json:"pin_misses"`
	CommentHits   int64 `json:"comment_hits"`
	CommentMisses int64 `json:"comment_misses"`
}

// Cache is eventually consistent with the backend: a read-through cache
// with write-through invalidation on known mutations. Writes made by
// other sessions become visible only through expiry or forced refresh.
type Cache struct {
	now    func() time.Time
	maxAge time.Duration
	logger zerolog.Logger

	pins  *entity.Cache[model.Pin]
	index *geo.Index

	mu         sync.Mutex
	tileStamps map[string]time.Time

	comments *expirable.LRU[string, []model.Comment]

	pinHits       atomic.Int64
	pinMisses     atomic.Int64
	commentHits   atomic.Int64
	commentMisses atomic.Int64
}

func New(cfg Config) *Cache {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.CommentsTTL <= 0 {
		cfg.CommentsTTL = DefaultCommentsTTL
	}
	if cfg.CommentsSize <= 0 {
		cfg.CommentsSize = DefaultCommentsSize
	}
	c := &Cache{
		now:        cfg.Now,
		maxAge:     cfg.MaxAge,
		logger:     cfg.Logger,
		pins:       entity.New[model.Pin](),
		index:      geo.NewIndex(),
		tileStamps: make(map[string]time.Time),
		comments:   expirable.NewLRU[string, []model.Comment](cfg.CommentsSize, nil, cfg.CommentsTTL),
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.pins.SetNow(c.now)
	return c
}

// PinsForViewport answers a viewport query from cache. ok=false is the
// miss signal: the caller fetches from the backend and calls IngestPins.
// forceRefresh always misses. A structurally present but expired entry
// is a miss, never served.
func (c *Cache) PinsForViewport(b model.Bounds, z geo.ZoomBucket, forceRefresh bool) ([]model.Pin, bool) {
	if forceRefresh {
		c.missPins()
		return nil, false
	}

	cutoff := c.now().Add(-c.maxAge)

	tiles := geo.TilesForBounds(b, z)
	c.mu.Lock()
	for _, t := range tiles {
		stamp, ok := c.tileStamps[t.Key()]
		if !ok || stamp.Before(cutoff) {
			c.mu.Unlock()
			c.missPins()
			return nil, false
		}
	}
	c.mu.Unlock()

	ids := c.index.IDsForBounds(b, z)
	out := make([]model.Pin, 0, len(ids))
	for _, id := range ids {
		pin, stamp, ok := c.pins.GetStamped(id)
		if !ok || stamp.Before(cutoff) {
			c.missPins()
			return nil, false
		}
		if b.Contains(pin.Location) {
			out = append(out, pin)
		}
	}

	c.pinHits.Add(1)
	observability.IncCacheHit("pins")
	return out, true
}

// IngestPins stores a backend fetch result for the given bounds. Pins
// are indexed at every zoom bucket, not only the one they were fetched
// at, so zooming in does not produce spurious gaps; the covering tiles
// are stamped fresh at every bucket for the same reason.
func (c *Cache) IngestPins(b model.Bounds, pins []model.Pin) {
	for _, pin := range pins {
		c.putPin(pin)
	}

	now := c.now()
	c.mu.Lock()
	for _, z := range geo.Buckets() {
		for _, t := range geo.TilesForBounds(b, z) {
			c.tileStamps[t.Key()] = now
		}
	}
	c.mu.Unlock()

	c.logger.Debug().
		Int("pins", len(pins)).
		Str("bounds", b.String()).
		Msg("ingested viewport fetch")
}

// IngestPin stores one pin (freshly created or refetched) without
// touching tile freshness.
func (c *Cache) IngestPin(pin model.Pin) {
	c.putPin(pin)
}

func (c *Cache) putPin(pin model.Pin) {
	// reindex if the pin moved
	if old, ok := c.pins.Get(pin.ID); ok && old.Location != pin.Location {
		c.index.Remove(pin.ID, old.Location.Lat, old.Location.Lng)
	}
	c.pins.Put(pin.ID, pin)
	c.index.Insert(pin.ID, pin.Location.Lat, pin.Location.Lng)
}

// Pin returns the cached pin regardless of freshness.
func (c *Cache) Pin(id string) (model.Pin, bool) {
	return c.pins.Get(id)
}

// UpdatePin merges fields into the cached pin via fn. No-op when the
// pin is absent.
func (c *Cache) UpdatePin(id string, fn func(*model.Pin)) bool {
	return c.pins.Update(id, fn)
}

// AdjustCommentCount shifts the pin's denormalized comment count by
// delta, clamping at zero.
func (c *Cache) AdjustCommentCount(id string, delta int) bool {
	return c.pins.Update(id, func(p *model.Pin) {
		p.CommentsCount += delta
		if p.CommentsCount < 0 {
			p.CommentsCount = 0
		}
	})
}

// DeletePin removes the pin from the entity store, the spatial index
// and the comments cache.
func (c *Cache) DeletePin(id string) {
	if pin, ok := c.pins.Get(id); ok {
		c.index.Remove(id, pin.Location.Lat, pin.Location.Lng)
	}
	c.pins.Remove(id)
	c.comments.Remove(id)
}

// CommentsForPin returns the cached comment list; ok=false is the miss
// signal.
func (c *Cache) CommentsForPin(pinID string, forceRefresh bool) ([]model.Comment, bool) {
	if forceRefresh {
		c.missComments()
		return nil, false
	}
	if list, ok := c.comments.Get(pinID); ok {
		c.commentHits.Add(1)
		observability.IncCacheHit("comments")
		return list, true
	}
	c.missComments()
	return nil, false
}

// CommentsBatch resolves many pins at once, returning what was cached
// plus the ids that need a backend fetch. Results are exactly what the
// single form would have returned per id.
func (c *Cache) CommentsBatch(pinIDs []string, forceRefresh bool) (map[string][]model.Comment, []string) {
	found := make(map[string][]model.Comment, len(pinIDs))
	var missing []string
	for _, id := range pinIDs {
		if list, ok := c.CommentsForPin(id, forceRefresh); ok {
			found[id] = list
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing
}

// IngestComments stores a fetched comment list for a pin.
func (c *Cache) IngestComments(pinID string, comments []model.Comment) {
	c.comments.Add(pinID, comments)
}

// InvalidateComments drops the cached list for a pin.
func (c *Cache) InvalidateComments(pinID string) {
	c.comments.Remove(pinID)
}

// MutateComments applies fn to the cached list if present, so local
// edits (comment edited, vote confirmed) are visible without a refetch.
func (c *Cache) MutateComments(pinID string, fn func([]model.Comment) []model.Comment) {
	if list, ok := c.comments.Get(pinID); ok {
		c.comments.Add(pinID, fn(list))
	}
}

// InvalidateArea drops tile freshness for every tile intersecting the
// bounds, at every bucket. Entities stay cached; the next viewport
// query over the area misses and refetches.
func (c *Cache) InvalidateArea(b model.Bounds) {
	c.mu.Lock()
	for _, z := range geo.Buckets() {
		for _, t := range geo.TilesForBounds(b, z) {
			delete(c.tileStamps, t.Key())
		}
	}
	c.mu.Unlock()
}

// InvalidateAround drops freshness for the point's tile and its 8
// neighbors at every bucket. Used on pin create/delete so unrelated
// viewport data elsewhere stays valid.
func (c *Cache) InvalidateAround(p model.Point) {
	c.mu.Lock()
	for _, z := range geo.Buckets() {
		t := geo.TileAt(p.Lat, p.Lng, z)
		delete(c.tileStamps, t.Key())
		for _, n := range t.Neighbors() {
			delete(c.tileStamps, n.Key())
		}
	}
	c.mu.Unlock()
}

// TileFresh reports whether the tile's mapping is present and within
// max-age. The pre-warmer uses it to skip already-warm neighbors.
func (c *Cache) TileFresh(t geo.Tile) bool {
	cutoff := c.now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	stamp, ok := c.tileStamps[t.Key()]
	return ok && !stamp.Before(cutoff)
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.pins.Clear()
	c.index.Clear()
	c.comments.Purge()
	c.mu.Lock()
	c.tileStamps = make(map[string]time.Time)
	c.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	cutoff := c.now().Add(-c.maxAge)
	c.mu.Lock()
	fresh := 0
	for _, stamp := range c.tileStamps {
		if !stamp.Before(cutoff) {
			fresh++
		}
	}
	c.mu.Unlock()

	return Stats{
		Pins:          c.pins.Len(),
		Tiles:         c.index.TileCount(),
		FreshTiles:    fresh,
		CommentLists:  c.comments.Len(),
		PinHits:       c.pinHits.Load(),
		PinMisses:     c.pinMisses.Load(),
		CommentHits:   c.commentHits.Load(),
		CommentMisses: c.commentMisses.Load(),
	}
}

func (c *Cache) missPins() {
	c.pinMisses.Add(1)
	observability.IncCacheMiss("pins")
}

func (c *Cache) missComments() {
	c.commentMisses.Add(1)
	observability.IncCacheMiss("comments")
}
