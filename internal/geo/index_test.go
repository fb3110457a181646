package geo

import (
	"testing"

	"github.com/placepin/pincache/internal/model"
)

func TestIndex_InsertVisibleAtEveryBucket(t *testing.T) {
	ix := NewIndex()
	ix.Insert("pin-1", 40.5, 28.5)

	b := model.Bounds{MinLng: 28.4, MinLat: 40.4, MaxLng: 28.6, MaxLat: 40.6}
	for _, z := range Buckets() {
		ids := ix.IDsForBounds(b, z)
		if len(ids) != 1 || ids[0] != "pin-1" {
			t.Fatalf("bucket %v: got %v, want [pin-1]", z, ids)
		}
	}
}

func TestIndex_RemoveIsIdempotentAndCleansEmptyTiles(t *testing.T) {
	ix := NewIndex()
	ix.Insert("pin-1", 40.5, 28.5)
	if ix.TileCount() != len(Buckets()) {
		t.Fatalf("tile count after insert: %d, want %d", ix.TileCount(), len(Buckets()))
	}

	ix.Remove("pin-1", 40.5, 28.5)
	if ix.TileCount() != 0 {
		t.Fatalf("empty tile sets leaked: count=%d", ix.TileCount())
	}

	// second removal is a no-op
	ix.Remove("pin-1", 40.5, 28.5)
	if ix.TileCount() != 0 {
		t.Fatalf("repeat remove changed state: count=%d", ix.TileCount())
	}
}

func TestIndex_RepeatedInsertSamePointIdempotent(t *testing.T) {
	ix := NewIndex()
	ix.Insert("pin-1", 40.5, 28.5)
	ix.Insert("pin-1", 40.5, 28.5)
	if ix.TileCount() != len(Buckets()) {
		t.Fatalf("duplicate insert grew tile count to %d", ix.TileCount())
	}
	ix.Remove("pin-1", 40.5, 28.5)
	if ix.TileCount() != 0 {
		t.Fatalf("single remove did not fully clear duplicated insert")
	}
}

func TestIndex_UnionAcrossTiles(t *testing.T) {
	ix := NewIndex()
	ix.Insert("a", 40.501, 28.501)
	ix.Insert("b", 40.55, 28.55)
	ix.Insert("c", 41.9, 29.9) // outside query bounds

	b := model.Bounds{MinLng: 28.49, MinLat: 40.49, MaxLng: 28.6, MaxLat: 40.6}
	ids := ix.IDsForBounds(b, Fine)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("got %v, want [a b]", ids)
	}
}

func TestIndex_Clear(t *testing.T) {
	ix := NewIndex()
	ix.Insert("a", 40.5, 28.5)
	ix.Clear()
	if ix.TileCount() != 0 {
		t.Fatalf("Clear left %d tiles", ix.TileCount())
	}
	if ids := ix.IDsForBounds(model.Bounds{MinLng: 28, MinLat: 40, MaxLng: 29, MaxLat: 41}, Coarse); len(ids) != 0 {
		t.Fatalf("Clear left ids: %v", ids)
	}
}

func TestAreaCell_StableNonEmpty(t *testing.T) {
	a := AreaCell(40.5, 28.5)
	b := AreaCell(40.5, 28.5)
	if a == "" {
		t.Fatalf("AreaCell returned empty for valid coordinate")
	}
	if a != b {
		t.Fatalf("AreaCell not stable: %s vs %s", a, b)
	}
	if AreaCell(40.5, 28.5) == AreaCell(-33.8688, 151.2093) {
		t.Fatalf("distant coordinates mapped to the same area cell")
	}
}
