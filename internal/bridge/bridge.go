// Package bridge wires the optimistic mutation manager, the pin cache
// and the backend collaborator together. It is the surface the UI layer
// talks to.
package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/placepin/pincache/internal/backend"
	"github.com/placepin/pincache/internal/cache/pincache"
	"github.com/placepin/pincache/internal/geo"
	"github.com/placepin/pincache/internal/hitevents"
	"github.com/placepin/pincache/internal/hotness"
	"github.com/placepin/pincache/internal/model"
	"github.com/placepin/pincache/internal/observability"
	"github.com/placepin/pincache/internal/optimistic"
	"github.com/placepin/pincache/internal/sched"
)

// DefaultDebounce coalesces rapid successive comment-count adjustments
// into one cache write.
const DefaultDebounce = 500 * time.Millisecond

type Config struct {
	Backend    backend.Interface
	Cache      *pincache.Cache
	Optimistic *optimistic.Manager
	Scheduler  sched.Scheduler
	Logger     zerolog.Logger

	// UserID/UserName identify the session user authoring optimistic
	// mutations.
	UserID   string
	UserName string

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration

	// Hotness and Hits are optional analytics hooks.
	Hotness hotness.Interface
	Hits    *hitevents.Publisher

	// PrewarmEnabled schedules background population of the 8 tiles
	// adjacent to a viewport after a cache hit. PrewarmThreshold gates
	// it on the area's hotness score; zero warms unconditionally.
	PrewarmEnabled   bool
	PrewarmThreshold float64
}

// Layer bridges optimistic mutations into cache invalidation. All
// methods are safe for concurrent use; backend resolutions always land
// in the shared cache state even when no UI is listening anymore.
type Layer struct {
	backend backend.Interface
	cache   *pincache.Cache
	opt     *optimistic.Manager
	sched   sched.Scheduler
	logger  zerolog.Logger

	userID   string
	userName string
	debounce time.Duration

	hot  hotness.Interface
	hits *hitevents.Publisher

	prewarm          bool
	prewarmThreshold float64

	mu          sync.Mutex
	countDeltas map[string]int
	countTimer  sched.Handle
	timerSet    bool
}

func New(cfg Config) *Layer {
	l := &Layer{
		backend:          cfg.Backend,
		cache:            cfg.Cache,
		opt:              cfg.Optimistic,
		sched:            cfg.Scheduler,
		logger:           cfg.Logger,
		userID:           cfg.UserID,
		userName:         cfg.UserName,
		debounce:         cfg.Debounce,
		hot:              cfg.Hotness,
		hits:             cfg.Hits,
		prewarm:          cfg.PrewarmEnabled,
		prewarmThreshold: cfg.PrewarmThreshold,
		countDeltas:      make(map[string]int),
	}
	if l.debounce <= 0 {
		l.debounce = DefaultDebounce
	}
	if l.sched == nil {
		l.sched = sched.NewTimer()
	}
	return l
}

// Subscribe registers a callback fired after every optimistic state
// change. Returns the unsubscribe function.
func (l *Layer) Subscribe(fn func()) func() { return l.opt.Subscribe(fn) }

// LoadPinsForViewport serves the viewport from cache when possible and
// fetches+ingests on a miss. forceRefresh bypasses the cache and also
// cancels any debounced count work superseded by the fresh data.
func (l *Layer) LoadPinsForViewport(ctx context.Context, b model.Bounds, z geo.ZoomBucket, forceRefresh bool) ([]model.Pin, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	center := b.Center()
	cell := geo.AreaCell(center.Lat, center.Lng)
	if l.hot != nil {
		l.hot.Inc(cell)
	}

	if pins, ok := l.cache.PinsForViewport(b, z, forceRefresh); ok {
		l.hits.Publish(hitevents.Event{Cell: cell, Bucket: z.String(), Outcome: "hit", TS: time.Now()})
		l.maybePrewarm(center, z, cell)
		return pins, nil
	}

	pins, err := l.backend.FetchPinsInBounds(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("fetch pins for %s: %w", b, err)
	}
	l.cache.IngestPins(b, pins)
	l.dropSupersededDeltas(pins)
	l.hits.Publish(hitevents.Event{Cell: cell, Bucket: z.String(), Outcome: "miss", TS: time.Now()})
	return pins, nil
}

// GetCommentsForPin returns the pin's comments enriched with vote
// aggregates and merged with pending optimistic comments.
func (l *Layer) GetCommentsForPin(ctx context.Context, pinID string, forceRefresh bool) ([]model.CommentView, error) {
	list, ok := l.cache.CommentsForPin(pinID, forceRefresh)
	if !ok {
		fetched, err := l.backend.FetchComments(ctx, pinID)
		if err != nil {
			return nil, fmt.Errorf("fetch comments for pin %s: %w", pinID, err)
		}
		l.ingestFreshComments(pinID, fetched)
		list = fetched
	}
	return l.buildViews(pinID, list), nil
}

// GetCommentsBatch is the latency-optimized batch form. Its per-pin
// results are identical to calling GetCommentsForPin once per id.
func (l *Layer) GetCommentsBatch(ctx context.Context, pinIDs []string, forceRefresh bool) (map[string][]model.CommentView, error) {
	cached, missing := l.cache.CommentsBatch(pinIDs, forceRefresh)

	if len(missing) > 0 {
		fetched, err := l.backend.FetchCommentsBatch(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("fetch comments batch: %w", err)
		}
		for _, id := range missing {
			list := fetched[id]
			l.ingestFreshComments(id, list)
			cached[id] = list
		}
	}

	out := make(map[string][]model.CommentView, len(cached))
	for id, list := range cached {
		out[id] = l.buildViews(id, list)
	}
	return out, nil
}

// AddCommentResult reports how an optimistic comment resolved.
type AddCommentResult struct {
	TempID  string
	Comment model.Comment
	Err     error
}

// AddComment applies a speculative comment and returns its temp id
// immediately; the backend call proceeds in the background and the
// returned channel reports the resolution. Confirm swaps the temp id
// for the real comment and schedules a debounced comment-count bump;
// rollback discards the speculative entry and leaves the count alone.
func (l *Layer) AddComment(ctx context.Context, pinID, text string, photo *model.PhotoMeta) (string, <-chan AddCommentResult) {
	tempID := l.opt.ProposeComment(pinID, text, l.userID, l.userName)
	done := make(chan AddCommentResult, 1)

	// resolutions must reach the shared cache even if the caller went
	// away, so the backend call is detached from UI cancellation
	bg := context.WithoutCancel(ctx)
	go func() {
		saved, err := l.backend.AddComment(bg, pinID, text, photo)
		if err != nil {
			l.opt.RollbackComment(tempID)
			l.logger.Warn().Err(err).Str("pin", pinID).Msg("comment add rolled back")
			done <- AddCommentResult{TempID: tempID, Err: err}
			return
		}

		l.opt.ConfirmComment(tempID, saved)
		l.cache.MutateComments(pinID, func(list []model.Comment) []model.Comment {
			return append(append([]model.Comment(nil), list...), saved)
		})
		l.scheduleCountDelta(pinID, +1)
		done <- AddCommentResult{TempID: tempID, Comment: saved}
	}()

	return tempID, done
}

// EditComment edits the comment text/photo in place. Editing a comment
// whose creation is still pending is rejected locally.
func (l *Layer) EditComment(ctx context.Context, pinID, commentID, text string, photo *model.PhotoMeta) error {
	if model.IsTempID(commentID) {
		return optimistic.ErrPendingTarget
	}
	if err := l.backend.EditComment(ctx, commentID, text, photo); err != nil {
		return fmt.Errorf("edit comment %s: %w", commentID, err)
	}
	l.cache.MutateComments(pinID, func(list []model.Comment) []model.Comment {
		out := append([]model.Comment(nil), list...)
		for i := range out {
			if out[i].ID == commentID {
				out[i].Text = text
				if photo != nil {
					out[i].Photo = photo
				}
			}
		}
		return out
	})
	return nil
}

// DeleteComment removes a comment; deleting the pin's last comment
// cascades into deleting the pin, which is then dropped from the cache
// and its surrounding tiles invalidated.
func (l *Layer) DeleteComment(ctx context.Context, pinID, commentID string) (pinDeleted bool, err error) {
	if model.IsTempID(commentID) {
		return false, optimistic.ErrPendingTarget
	}

	res, err := l.backend.DeleteComment(ctx, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment %s: %w", commentID, err)
	}

	if res.PinDeleted {
		if pin, ok := l.cache.Pin(pinID); ok {
			defer l.cache.InvalidateAround(pin.Location)
		}
		l.dropDelta(pinID)
		l.cache.DeletePin(pinID)
		return true, nil
	}

	l.cache.MutateComments(pinID, func(list []model.Comment) []model.Comment {
		out := make([]model.Comment, 0, len(list))
		for _, c := range list {
			if c.ID != commentID {
				out = append(out, c)
			}
		}
		return out
	})
	l.scheduleCountDelta(pinID, -1)
	return false, nil
}

// VoteOnComment applies a speculative vote and resolves it in the
// background. Voting on a comment whose creation has not been confirmed
// is rejected synchronously, before any network call.
func (l *Layer) VoteOnComment(ctx context.Context, pinID, commentID string, value int) (<-chan error, error) {
	if value < -1 || value > 1 {
		return nil, fmt.Errorf("vote value must be -1, 0 or 1, got %d", value)
	}

	prev := 0
	if list, ok := l.cache.CommentsForPin(pinID, false); ok {
		for _, c := range list {
			if c.ID == commentID {
				prev = l.opt.VoteAggregate(c).UserVote
				break
			}
		}
	}
	if err := l.opt.ProposeVote(commentID, value, prev); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		err := l.backend.VoteOnComment(bg, commentID, value)
		if err != nil {
			l.opt.RollbackVote(commentID)
			l.logger.Warn().Err(err).Str("comment", commentID).Msg("vote rolled back")
			done <- err
			return
		}
		l.opt.ConfirmVote(commentID, value)
		done <- nil
	}()
	return done, nil
}

// CreatePin creates a pin together with its first comment and makes it
// immediately visible in the cache, invalidating the surrounding tiles
// so other viewports refetch.
func (l *Layer) CreatePin(ctx context.Context, req backend.CreatePin) (model.Pin, error) {
	pin, err := l.backend.CreatePin(ctx, req)
	if err != nil {
		return model.Pin{}, fmt.Errorf("create pin: %w", err)
	}
	l.cache.IngestPin(pin)
	l.cache.InvalidateAround(pin.Location)
	l.logger.Info().Str("pin", pin.ID).Msg("pin created")
	return pin, nil
}

// DeletePin removes the pin upstream and from the cache, invalidating
// only the geographic area around it.
func (l *Layer) DeletePin(ctx context.Context, pinID string) error {
	pin, known := l.cache.Pin(pinID)
	if err := l.backend.DeletePin(ctx, pinID); err != nil {
		return fmt.Errorf("delete pin %s: %w", pinID, err)
	}
	l.dropDelta(pinID)
	l.cache.DeletePin(pinID)
	if known {
		l.cache.InvalidateAround(pin.Location)
	}
	return nil
}

// InvalidateArea drops cached tile freshness over the bounds.
func (l *Layer) InvalidateArea(b model.Bounds) {
	l.cache.InvalidateArea(b)
}

// Clear drops all cached state and abandons scheduled count work.
func (l *Layer) Clear() {
	l.mu.Lock()
	l.countDeltas = make(map[string]int)
	if l.timerSet {
		l.sched.Cancel(l.countTimer)
		l.timerSet = false
	}
	l.mu.Unlock()
	l.cache.Clear()
}

// Stats is the read-only debug snapshot.
type Stats struct {
	Cache           pincache.Stats `json:"cache"`
	PendingComments int            `json:"pending_comments"`
	PendingVotes    int            `json:"pending_votes"`
	QueuedDeltas    int            `json:"queued_deltas"`
}

func (l *Layer) Stats() Stats {
	pc, pv := l.opt.Counts()
	l.mu.Lock()
	queued := len(l.countDeltas)
	l.mu.Unlock()
	return Stats{
		Cache:           l.cache.Stats(),
		PendingComments: pc,
		PendingVotes:    pv,
		QueuedDeltas:    queued,
	}
}

// --- internals ---

func (l *Layer) ingestFreshComments(pinID string, list []model.Comment) {
	l.cache.IngestComments(pinID, list)
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	// a fresh fetch makes the persisted vote lists authoritative again
	l.opt.ForgetConfirmed(ids...)
}

func (l *Layer) buildViews(pinID string, list []model.Comment) []model.CommentView {
	merged := append(append([]model.Comment(nil), list...), l.opt.PendingCommentsFor(pinID)...)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	out := make([]model.CommentView, 0, len(merged))
	for _, c := range merged {
		out = append(out, model.CommentView{
			Comment:   c,
			Aggregate: l.opt.VoteAggregate(c),
			Pending:   c.IsTemp(),
		})
	}
	return out
}

// scheduleCountDelta queues a comment-count adjustment and arms the
// debounce timer, cancelling and replacing any previous one.
func (l *Layer) scheduleCountDelta(pinID string, delta int) {
	l.mu.Lock()
	l.countDeltas[pinID] += delta
	if l.timerSet {
		l.sched.Cancel(l.countTimer)
	}
	l.countTimer = l.sched.Schedule(l.debounce, l.flushCountDeltas)
	l.timerSet = true
	l.mu.Unlock()
}

func (l *Layer) flushCountDeltas() {
	l.mu.Lock()
	deltas := l.countDeltas
	l.countDeltas = make(map[string]int)
	l.timerSet = false
	l.mu.Unlock()

	for pinID, delta := range deltas {
		if delta == 0 {
			continue
		}
		l.cache.AdjustCommentCount(pinID, delta)
	}
	if len(deltas) > 0 {
		observability.IncDebounceFlush()
	}
}

// dropSupersededDeltas abandons queued adjustments for pins whose
// authoritative counts just arrived; a stale timer must not fire over
// fresh data.
func (l *Layer) dropSupersededDeltas(pins []model.Pin) {
	l.mu.Lock()
	for _, p := range pins {
		delete(l.countDeltas, p.ID)
	}
	if len(l.countDeltas) == 0 && l.timerSet {
		l.sched.Cancel(l.countTimer)
		l.timerSet = false
	}
	l.mu.Unlock()
}

func (l *Layer) dropDelta(pinID string) {
	l.mu.Lock()
	delete(l.countDeltas, pinID)
	if len(l.countDeltas) == 0 && l.timerSet {
		l.sched.Cancel(l.countTimer)
		l.timerSet = false
	}
	l.mu.Unlock()
}

// maybePrewarm schedules background population of the 8 tiles adjacent
// to the viewport's center tile. It never blocks the caller; failures
// only cost a counter bump.
func (l *Layer) maybePrewarm(center model.Point, z geo.ZoomBucket, cell string) {
	if !l.prewarm {
		return
	}
	if l.hot != nil && l.prewarmThreshold > 0 && l.hot.Score(cell) < l.prewarmThreshold {
		return
	}

	var stale []geo.Tile
	for _, n := range geo.TileAt(center.Lat, center.Lng, z).Neighbors() {
		if !l.cache.TileFresh(n) {
			stale = append(stale, n)
		}
	}
	if len(stale) == 0 {
		return
	}

	observability.IncPrewarm("scheduled")
	l.sched.Schedule(0, func() {
		for _, t := range stale {
			b := t.Bounds()
			pins, err := l.backend.FetchPinsInBounds(context.Background(), b)
			if err != nil {
				observability.IncPrewarm("failed")
				l.logger.Debug().Err(err).Str("tile", t.Key()).Msg("prewarm fetch failed")
				continue
			}
			l.cache.IngestPins(b, pins)
			observability.IncPrewarm("completed")
		}
	})
}
