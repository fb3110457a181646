package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/placepin/pincache/internal/backend"
	"github.com/placepin/pincache/internal/cache/pincache"
	"github.com/placepin/pincache/internal/geo"
	"github.com/placepin/pincache/internal/model"
	"github.com/placepin/pincache/internal/optimistic"
	"github.com/placepin/pincache/internal/sched"
)

const (
	testUser     = "u-self"
	testUserName = "Self"
)

var viewport = model.Bounds{MinLng: 28.4, MinLat: 40.4, MaxLng: 28.6, MaxLat: 40.6}

type fakeBackend struct {
	mu       sync.Mutex
	pins     map[string]model.Pin
	comments map[string][]model.Comment
	nextID   int

	addCommentErr error
	voteErr       error

	fetchPinCalls     int
	fetchCommentCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		pins:     make(map[string]model.Pin),
		comments: make(map[string][]model.Comment),
	}
}

func (f *fakeBackend) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeBackend) FetchPinsInBounds(_ context.Context, b model.Bounds) ([]model.Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchPinCalls++
	var out []model.Pin
	for _, p := range f.pins {
		if b.Contains(p.Location) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeBackend) FetchComments(_ context.Context, pinID string) ([]model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCommentCalls++
	return append([]model.Comment(nil), f.comments[pinID]...), nil
}

func (f *fakeBackend) FetchCommentsBatch(ctx context.Context, pinIDs []string) (map[string][]model.Comment, error) {
	out := make(map[string][]model.Comment, len(pinIDs))
	for _, id := range pinIDs {
		list, err := f.FetchComments(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = list
	}
	return out, nil
}

func (f *fakeBackend) CreatePin(_ context.Context, req backend.CreatePin) (model.Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pin := model.Pin{
		ID:            f.id("pin"),
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		Location:      req.Location,
		CommentsCount: 1,
		CreatedAt:     time.Now(),
	}
	f.pins[pin.ID] = pin
	f.comments[pin.ID] = []model.Comment{{
		ID:         f.id("c"),
		PinID:      pin.ID,
		AuthorID:   req.OwnerID,
		AuthorName: req.OwnerName,
		Text:       req.FirstText,
		IsFirst:    true,
		CreatedAt:  time.Now(),
	}}
	return pin, nil
}

func (f *fakeBackend) DeletePin(_ context.Context, pinID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pins[pinID]; !ok {
		return backend.ErrNotFound
	}
	delete(f.pins, pinID)
	delete(f.comments, pinID)
	return nil
}

func (f *fakeBackend) AddComment(_ context.Context, pinID, text string, photo *model.PhotoMeta) (model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addCommentErr != nil {
		return model.Comment{}, f.addCommentErr
	}
	c := model.Comment{
		ID:        f.id("c"),
		PinID:     pinID,
		AuthorID:  testUser,
		Text:      text,
		Photo:     photo,
		CreatedAt: time.Now(),
	}
	f.comments[pinID] = append(f.comments[pinID], c)
	if p, ok := f.pins[pinID]; ok {
		p.CommentsCount++
		f.pins[pinID] = p
	}
	return c, nil
}

func (f *fakeBackend) EditComment(_ context.Context, commentID, text string, photo *model.PhotoMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pinID, list := range f.comments {
		for i := range list {
			if list[i].ID == commentID {
				list[i].Text = text
				if photo != nil {
					list[i].Photo = photo
				}
				f.comments[pinID] = list
				return nil
			}
		}
	}
	return backend.ErrNotFound
}

func (f *fakeBackend) DeleteComment(_ context.Context, commentID string) (backend.DeleteCommentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pinID, list := range f.comments {
		for i := range list {
			if list[i].ID != commentID {
				continue
			}
			rest := append(append([]model.Comment(nil), list[:i]...), list[i+1:]...)
			if len(rest) == 0 {
				delete(f.comments, pinID)
				delete(f.pins, pinID)
				return backend.DeleteCommentResult{PinDeleted: true, PinID: pinID}, nil
			}
			f.comments[pinID] = rest
			if p, ok := f.pins[pinID]; ok {
				p.CommentsCount--
				f.pins[pinID] = p
			}
			return backend.DeleteCommentResult{PinID: pinID}, nil
		}
	}
	return backend.DeleteCommentResult{}, backend.ErrNotFound
}

func (f *fakeBackend) VoteOnComment(_ context.Context, commentID string, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voteErr
}

type fixture struct {
	layer *Layer
	fb    *fakeBackend
	cache *pincache.Cache
	opt   *optimistic.Manager
	clock *sched.Manual
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	fb := newFakeBackend()
	cache := pincache.New(pincache.Config{Logger: zerolog.Nop()})
	opt := optimistic.New(optimistic.Config{UserID: testUser, Logger: zerolog.Nop()})
	clock := sched.NewManual(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))

	cfg := Config{
		Backend:    fb,
		Cache:      cache,
		Optimistic: opt,
		Scheduler:  clock,
		Logger:     zerolog.Nop(),
		UserID:     testUser,
		UserName:   testUserName,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return &fixture{layer: New(cfg), fb: fb, cache: cache, opt: opt, clock: clock}
}

func (fx *fixture) createPin(t *testing.T, lng, lat float64) model.Pin {
	t.Helper()
	pin, err := fx.layer.CreatePin(context.Background(), backend.CreatePin{
		OwnerID:   testUser,
		OwnerName: testUserName,
		Name:      "somewhere",
		Location:  model.Point{Lng: lng, Lat: lat},
		FirstText: "first!",
	})
	if err != nil {
		t.Fatalf("CreatePin: %v", err)
	}
	return pin
}

func TestCreatePinThenViewportFetch(t *testing.T) {
	fx := newFixture(t, nil)

	pin := fx.createPin(t, 28.5, 40.5)

	pins, err := fx.layer.LoadPinsForViewport(context.Background(), viewport, geo.Fine, false)
	if err != nil {
		t.Fatalf("LoadPinsForViewport: %v", err)
	}
	if len(pins) != 1 || pins[0].ID != pin.ID {
		t.Fatalf("pins=%+v, want the created pin", pins)
	}
	if pins[0].CommentsCount != 1 {
		t.Fatalf("comments_count=%d want 1", pins[0].CommentsCount)
	}

	// second load is served from cache, no extra backend call
	calls := fx.fb.fetchPinCalls
	if _, err := fx.layer.LoadPinsForViewport(context.Background(), viewport, geo.Fine, false); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if fx.fb.fetchPinCalls != calls {
		t.Fatalf("cache hit still called backend")
	}
}

func TestLastCommentDeletionCascades(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)

	views, err := fx.layer.GetCommentsForPin(context.Background(), pin.ID, false)
	if err != nil || len(views) != 1 {
		t.Fatalf("GetCommentsForPin: %v views=%+v", err, views)
	}

	gone, err := fx.layer.DeleteComment(context.Background(), pin.ID, views[0].ID)
	if err != nil {
		t.Fatalf("DeleteComment: %v", err)
	}
	if !gone {
		t.Fatalf("last comment deletion did not cascade")
	}

	pins, err := fx.layer.LoadPinsForViewport(context.Background(), viewport, geo.Fine, false)
	if err != nil {
		t.Fatalf("LoadPinsForViewport: %v", err)
	}
	if len(pins) != 0 {
		t.Fatalf("deleted pin still visible: %+v", pins)
	}
}

func TestBatchCommentsEqualSingleForm(t *testing.T) {
	fx := newFixture(t, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		pin := fx.createPin(t, 28.45+float64(i)*0.01, 40.5)
		ids = append(ids, pin.ID)
	}
	// seed votes on one comment
	first, _ := fx.fb.FetchComments(context.Background(), ids[0])
	fx.fb.mu.Lock()
	first[0].Votes = []model.Vote{{CommentID: first[0].ID, UserID: "u-a", Value: 1}}
	fx.fb.comments[ids[0]] = first
	fx.fb.mu.Unlock()

	batch, err := fx.layer.GetCommentsBatch(context.Background(), ids, false)
	if err != nil {
		t.Fatalf("GetCommentsBatch: %v", err)
	}

	for _, id := range ids {
		single, err := fx.layer.GetCommentsForPin(context.Background(), id, false)
		if err != nil {
			t.Fatalf("GetCommentsForPin(%s): %v", id, err)
		}
		got := batch[id]
		if len(got) != len(single) {
			t.Fatalf("%s: batch %d views, single %d", id, len(got), len(single))
		}
		for i := range got {
			if got[i].ID != single[i].ID || got[i].Aggregate != single[i].Aggregate {
				t.Fatalf("%s: batch/single disagree at %d: %+v vs %+v", id, i, got[i], single[i])
			}
		}
	}
}

func TestAddComment_ConfirmBumpsCountOnce(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)

	tempID, done := fx.layer.AddComment(context.Background(), pin.ID, "nice place", nil)
	if !model.IsTempID(tempID) {
		t.Fatalf("temp id malformed: %s", tempID)
	}

	res := <-done
	if res.Err != nil {
		t.Fatalf("AddComment resolution: %v", res.Err)
	}
	if res.Comment.ID == "" || model.IsTempID(res.Comment.ID) {
		t.Fatalf("confirmed comment has no real id: %+v", res.Comment)
	}

	if pc, _ := fx.opt.Counts(); pc != 0 {
		t.Fatalf("pending comments left after confirm: %d", pc)
	}

	// count bump is debounced; before the window it is unchanged
	got, _ := fx.cache.Pin(pin.ID)
	if got.CommentsCount != 1 {
		t.Fatalf("count changed before debounce flush: %d", got.CommentsCount)
	}
	fx.clock.Advance(DefaultDebounce + time.Millisecond)
	got, _ = fx.cache.Pin(pin.ID)
	if got.CommentsCount != 2 {
		t.Fatalf("count after flush=%d want 2", got.CommentsCount)
	}
}

func TestAddComment_RollbackLeavesCountUntouched(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)
	fx.fb.addCommentErr = backend.ErrTransient

	_, done := fx.layer.AddComment(context.Background(), pin.ID, "doomed", nil)
	res := <-done
	if !errors.Is(res.Err, backend.ErrTransient) {
		t.Fatalf("expected transient error, got %v", res.Err)
	}

	if pc, _ := fx.opt.Counts(); pc != 0 {
		t.Fatalf("pending comments left after rollback: %d", pc)
	}
	fx.clock.Advance(DefaultDebounce * 2)
	got, _ := fx.cache.Pin(pin.ID)
	if got.CommentsCount != 1 {
		t.Fatalf("rollback changed count: %d", got.CommentsCount)
	}
}

func TestDebounce_CoalescesRapidEdits(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)

	_, d1 := fx.layer.AddComment(context.Background(), pin.ID, "one", nil)
	<-d1
	_, d2 := fx.layer.AddComment(context.Background(), pin.ID, "two", nil)
	<-d2

	// timer was replaced, not stacked
	if fx.clock.Pending() != 1 {
		t.Fatalf("pending timers=%d want 1", fx.clock.Pending())
	}

	fx.clock.Advance(DefaultDebounce + time.Millisecond)
	got, _ := fx.cache.Pin(pin.ID)
	if got.CommentsCount != 3 {
		t.Fatalf("count=%d want 3 (1 first + 2 coalesced)", got.CommentsCount)
	}
}

func TestForcedRefresh_CancelsStaleDebouncedWork(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)

	_, done := fx.layer.AddComment(context.Background(), pin.ID, "x", nil)
	<-done
	if fx.clock.Pending() != 1 {
		t.Fatalf("no debounce timer armed")
	}

	// forced refresh fetches authoritative counts; the queued delta
	// must not fire on top of them afterwards
	pins, err := fx.layer.LoadPinsForViewport(context.Background(), viewport, geo.Fine, true)
	if err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if pins[0].CommentsCount != 2 {
		t.Fatalf("authoritative count=%d want 2", pins[0].CommentsCount)
	}

	fx.clock.Advance(DefaultDebounce * 2)
	got, _ := fx.cache.Pin(pin.ID)
	if got.CommentsCount != 2 {
		t.Fatalf("stale debounced delta fired after refresh: count=%d", got.CommentsCount)
	}
}

func TestVote_RollsBackOnBackendFailure(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)
	views, _ := fx.layer.GetCommentsForPin(context.Background(), pin.ID, false)
	commentID := views[0].ID
	fx.fb.voteErr = backend.ErrForbidden

	done, err := fx.layer.VoteOnComment(context.Background(), pin.ID, commentID, 1)
	if err != nil {
		t.Fatalf("VoteOnComment: %v", err)
	}
	if verr := <-done; !errors.Is(verr, backend.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", verr)
	}

	views, _ = fx.layer.GetCommentsForPin(context.Background(), pin.ID, false)
	if agg := views[0].Aggregate; agg.UserVote != 0 || agg.Likes != 0 {
		t.Fatalf("rollback did not restore aggregate: %+v", agg)
	}
	if _, pv := fx.opt.Counts(); pv != 0 {
		t.Fatalf("pending votes left: %d", pv)
	}
}

func TestVote_OnPendingCommentRejectedLocally(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)

	tempID := fx.opt.ProposeComment(pin.ID, "pending", testUser, testUserName)

	if _, err := fx.layer.VoteOnComment(context.Background(), pin.ID, tempID, 1); !errors.Is(err, optimistic.ErrPendingTarget) {
		t.Fatalf("got %v, want ErrPendingTarget", err)
	}
	if _, err := fx.layer.VoteOnComment(context.Background(), pin.ID, "c-1", 5); err == nil {
		t.Fatalf("out-of-range vote value accepted")
	}
}

func TestEditComment(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)
	views, _ := fx.layer.GetCommentsForPin(context.Background(), pin.ID, false)

	if err := fx.layer.EditComment(context.Background(), pin.ID, views[0].ID, "edited", nil); err != nil {
		t.Fatalf("EditComment: %v", err)
	}
	views, _ = fx.layer.GetCommentsForPin(context.Background(), pin.ID, false)
	if views[0].Text != "edited" {
		t.Fatalf("edit not visible in cache: %+v", views[0])
	}

	if err := fx.layer.EditComment(context.Background(), pin.ID, model.TempIDPrefix+"x", "nope", nil); !errors.Is(err, optimistic.ErrPendingTarget) {
		t.Fatalf("editing pending comment not rejected: %v", err)
	}
}

func TestPendingCommentsMergedIntoViews(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)

	// warm the comment cache, then keep a proposal unresolved
	if _, err := fx.layer.GetCommentsForPin(context.Background(), pin.ID, false); err != nil {
		t.Fatalf("warm: %v", err)
	}
	tempID := fx.opt.ProposeComment(pin.ID, "speculative", testUser, testUserName)

	views, err := fx.layer.GetCommentsForPin(context.Background(), pin.ID, false)
	if err != nil {
		t.Fatalf("GetCommentsForPin: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("views=%d want 2 (1 real + 1 pending)", len(views))
	}
	last := views[len(views)-1]
	if last.ID != tempID || !last.Pending {
		t.Fatalf("pending comment not merged: %+v", last)
	}
}

func TestPrewarm_PopulatesNeighborTiles(t *testing.T) {
	fx := newFixture(t, func(c *Config) { c.PrewarmEnabled = true })

	fx.createPin(t, 28.5, 40.5)
	neighborPin := fx.createPin(t, 28.5+geo.Fine.Span(), 40.5)

	// miss + ingest, then a hit that schedules the prewarm
	small := model.Bounds{MinLng: 28.49, MinLat: 40.49, MaxLng: 28.51, MaxLat: 40.51}
	if _, err := fx.layer.LoadPinsForViewport(context.Background(), small, geo.Fine, false); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := fx.layer.LoadPinsForViewport(context.Background(), small, geo.Fine, false); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if fx.clock.Pending() == 0 {
		t.Fatalf("no prewarm task scheduled after a hit")
	}

	fx.clock.Advance(time.Millisecond)

	// panning east should now hit cache without a backend call
	calls := fx.fb.fetchPinCalls
	east := geo.TileAt(40.5, 28.5+geo.Fine.Span(), geo.Fine).Bounds()
	pins, err := fx.layer.LoadPinsForViewport(context.Background(), east, geo.Fine, false)
	if err != nil {
		t.Fatalf("eastward load: %v", err)
	}
	if fx.fb.fetchPinCalls != calls {
		t.Fatalf("prewarmed pan still called backend")
	}
	found := false
	for _, p := range pins {
		if p.ID == neighborPin.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("neighbor pin missing from prewarmed tile: %+v", pins)
	}
}

func TestStats_Snapshot(t *testing.T) {
	fx := newFixture(t, nil)
	pin := fx.createPin(t, 28.5, 40.5)
	fx.opt.ProposeComment(pin.ID, "x", testUser, testUserName)

	s := fx.layer.Stats()
	if s.Cache.Pins != 1 || s.PendingComments != 1 || s.PendingVotes != 0 {
		t.Fatalf("snapshot wrong: %+v", s)
	}
}
