package expdecay

import (
	"math"
	"testing"
	"time"
)

func TestIncAndScore_HalfLifeDecay(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	cur := base
	tr := New(time.Minute)
	tr.SetNow(func() time.Time { return cur })

	tr.Inc("cell-a")
	tr.Inc("cell-a")
	if got := tr.Score("cell-a"); math.Abs(got-2) > 1e-9 {
		t.Fatalf("score=%v want 2", got)
	}

	// after exactly one half-life the score should have halved
	cur = base.Add(time.Minute)
	if got := tr.Score("cell-a"); math.Abs(got-1) > 1e-9 {
		t.Fatalf("score after half-life=%v want 1", got)
	}
}

func TestScore_UnknownCellIsZero(t *testing.T) {
	tr := New(time.Minute)
	if got := tr.Score("never-seen"); got != 0 {
		t.Fatalf("score=%v want 0", got)
	}
	if got := tr.Score(""); got != 0 {
		t.Fatalf("empty cell score=%v want 0", got)
	}
}

func TestReset(t *testing.T) {
	tr := New(time.Minute)
	tr.Inc("a")
	tr.Inc("b")
	tr.Reset("a", "", "missing")
	if tr.Score("a") != 0 {
		t.Fatalf("reset cell still scored")
	}
	if tr.Score("b") == 0 {
		t.Fatalf("unrelated cell was reset")
	}
}

func TestTop_OrdersByScore(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	cur := base
	tr := New(time.Minute)
	tr.SetNow(func() time.Time { return cur })

	for i := 0; i < 3; i++ {
		tr.Inc("hot")
	}
	tr.Inc("warm")
	tr.Inc("warm")
	tr.Inc("cold")

	top := tr.Top(2)
	if len(top) != 2 || top[0].Cell != "hot" || top[1].Cell != "warm" {
		t.Fatalf("top=%+v", top)
	}
	if tr.Top(0) != nil {
		t.Fatalf("Top(0) should be nil")
	}
}
