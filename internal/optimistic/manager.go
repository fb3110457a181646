// Package optimistic tracks in-flight speculative mutations (pending
// comments, pending votes) and reconciles derived vote aggregates
// against them. Pending state survives restarts through the injected
// key-value store.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/placepin/pincache/internal/kvstore"
	"github.com/placepin/pincache/internal/model"
	"github.com/placepin/pincache/internal/observability"
)

// DefaultTTL bounds how long a pending entry may wait for confirm or
// rollback. Entries older than this are purged so a lost network
// response cannot leave the UI stuck in a speculative state forever.
const DefaultTTL = 5 * time.Minute

// Fixed persistence keys. A reload reads these back and drops entries
// past the TTL.
const (
	commentsStoreKey = "pincache:pending_comments"
	votesStoreKey    = "pincache:pending_votes"
)

// ErrPendingTarget rejects operations against an id that is itself
// still awaiting confirmation: the backend has no record of it yet, so
// sending the call would be a programmer error.
var ErrPendingTarget = errors.New("optimistic: target id is still awaiting confirmation")

// PendingComment is a speculative comment awaiting its server-assigned
// replacement.
type PendingComment struct {
	TempID     string    `json:"temp_id"`
	PinID      string    `json:"pin_id"`
	Text       string    `json:"text"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// PendingVote is a speculative vote change. Prev is the rollback
// target: the user's effective vote before the first propose, so a
// failed +1→-1 change lands back on the original value, not on an
// intermediate one.
type PendingVote struct {
	CommentID string    `json:"comment_id"`
	Value     int       `json:"value"`
	Prev      int       `json:"prev"`
	CreatedAt time.Time `json:"created_at"`
}

type Config struct {
	// UserID is the session user whose votes the aggregates describe.
	UserID string
	// Store persists pending state; nil disables persistence.
	Store kvstore.Store
	// TTL overrides DefaultTTL when positive.
	TTL    time.Duration
	Logger zerolog.Logger
	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// Manager is safe for concurrent use. Every public method purges
// expired entries before doing its work.
type Manager struct {
	mu     sync.Mutex
	userID string
	now    func() time.Time
	ttl    time.Duration
	store  kvstore.Store
	logger zerolog.Logger

	comments map[string]PendingComment // keyed by temp id
	votes    map[string]PendingVote    // keyed by comment id

	// confirmed vote values that override stale persisted vote lists
	// until the next fresh comment fetch
	confirmed map[string]int

	subs    map[int]func()
	nextSub int
}

func New(cfg Config) *Manager {
	m := &Manager{
		userID:    cfg.UserID,
		now:       cfg.Now,
		ttl:       cfg.TTL,
		store:     cfg.Store,
		logger:    cfg.Logger,
		comments:  make(map[string]PendingComment),
		votes:     make(map[string]PendingVote),
		confirmed: make(map[string]int),
		subs:      make(map[int]func()),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	m.load()
	return m
}

// Subscribe registers a callback invoked after every state change and
// returns its unsubscribe function.
func (m *Manager) Subscribe(fn func()) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// ProposeComment records a speculative comment and returns its
// collision-resistant temp id immediately; the backend call proceeds
// concurrently.
func (m *Manager) ProposeComment(pinID, text, authorID, authorName string) string {
	tempID := model.TempIDPrefix + uuid.NewString()

	m.mu.Lock()
	m.purgeLocked()
	m.comments[tempID] = PendingComment{
		TempID:     tempID,
		PinID:      pinID,
		Text:       text,
		AuthorID:   authorID,
		AuthorName: authorName,
		CreatedAt:  m.now(),
	}
	m.persistLocked()
	subs := m.subscribersLocked()
	m.mu.Unlock()

	m.notify(subs)
	return tempID
}

// ConfirmComment removes the pending entry and hands back the real
// comment for the caller to splice in place of the speculative one.
// Returns false when the temp id is unknown (already purged or rolled
// back).
func (m *Manager) ConfirmComment(tempID string, real model.Comment) (model.Comment, bool) {
	m.mu.Lock()
	m.purgeLocked()
	_, ok := m.comments[tempID]
	if ok {
		delete(m.comments, tempID)
		m.persistLocked()
	}
	subs := m.subscribersLocked()
	m.mu.Unlock()

	if ok {
		observability.IncResolution("comment", "confirmed")
		m.notify(subs)
	}
	return real, ok
}

// RollbackComment discards the pending entry with no replacement.
func (m *Manager) RollbackComment(tempID string) bool {
	m.mu.Lock()
	m.purgeLocked()
	_, ok := m.comments[tempID]
	if ok {
		delete(m.comments, tempID)
		m.persistLocked()
	}
	subs := m.subscribersLocked()
	m.mu.Unlock()

	if ok {
		observability.IncResolution("comment", "rolled_back")
		m.notify(subs)
	}
	return ok
}

// ProposeVote records a speculative vote change. prevKnown is the
// user's effective vote as currently rendered; it becomes the rollback
// target unless a pending or confirmed value already establishes one.
// A new proposal on a comment with a pending vote supersedes it while
// keeping the original rollback target.
func (m *Manager) ProposeVote(commentID string, newValue, prevKnown int) error {
	if model.IsTempID(commentID) {
		return ErrPendingTarget
	}

	m.mu.Lock()
	m.purgeLocked()
	prev := prevKnown
	if existing, ok := m.votes[commentID]; ok {
		prev = existing.Prev
	} else if ov, ok := m.confirmed[commentID]; ok {
		prev = ov
	}
	m.votes[commentID] = PendingVote{
		CommentID: commentID,
		Value:     newValue,
		Prev:      prev,
		CreatedAt: m.now(),
	}
	m.persistLocked()
	subs := m.subscribersLocked()
	m.mu.Unlock()

	m.notify(subs)
	return nil
}

// ConfirmVote removes the pending entry and records the authoritative
// value, which keeps overriding stale vote lists until the next fresh
// comment fetch.
func (m *Manager) ConfirmVote(commentID string, serverValue int) bool {
	m.mu.Lock()
	m.purgeLocked()
	_, ok := m.votes[commentID]
	if ok {
		delete(m.votes, commentID)
	}
	m.confirmed[commentID] = serverValue
	m.persistLocked()
	subs := m.subscribersLocked()
	m.mu.Unlock()

	if ok {
		observability.IncResolution("vote", "confirmed")
	}
	m.notify(subs)
	return ok
}

// RollbackVote removes the pending entry and restores the rollback
// target as the user's effective vote, even when the cached vote list
// is stale.
func (m *Manager) RollbackVote(commentID string) bool {
	m.mu.Lock()
	m.purgeLocked()
	pv, ok := m.votes[commentID]
	if ok {
		delete(m.votes, commentID)
		m.confirmed[commentID] = pv.Prev
		m.persistLocked()
	}
	subs := m.subscribersLocked()
	m.mu.Unlock()

	if ok {
		observability.IncResolution("vote", "rolled_back")
		m.notify(subs)
	}
	return ok
}

// ForgetConfirmed drops confirmed-vote overrides once a fresh fetch has
// made the persisted vote lists authoritative again.
func (m *Manager) ForgetConfirmed(commentIDs ...string) {
	m.mu.Lock()
	for _, id := range commentIDs {
		delete(m.confirmed, id)
	}
	m.mu.Unlock()
}

// VoteAggregate combines the comment's persisted votes with any pending
// or confirmed override for the session user. The user's last persisted
// vote is subtracted before the override is added, so the aggregate
// never double-counts.
func (m *Manager) VoteAggregate(c model.Comment) model.VoteAggregate {
	var likes, dislikes, persistedUser int
	for _, v := range c.Votes {
		switch v.Value {
		case 1:
			likes++
		case -1:
			dislikes++
		}
		if v.UserID == m.userID {
			persistedUser = v.Value
		}
	}

	effective := persistedUser
	m.mu.Lock()
	if ov, ok := m.confirmed[c.ID]; ok {
		effective = ov
	}
	if pv, ok := m.votes[c.ID]; ok {
		effective = pv.Value
	}
	m.mu.Unlock()

	if effective != persistedUser {
		switch persistedUser {
		case 1:
			likes--
		case -1:
			dislikes--
		}
		switch effective {
		case 1:
			likes++
		case -1:
			dislikes++
		}
	}

	return model.VoteAggregate{
		Likes:    likes,
		Dislikes: dislikes,
		Net:      likes - dislikes,
		UserVote: effective,
	}
}

// PendingCommentsFor renders the pin's pending comments as speculative
// model.Comment values, oldest first.
func (m *Manager) PendingCommentsFor(pinID string) []model.Comment {
	m.mu.Lock()
	m.purgeLocked()
	var out []model.Comment
	for _, pc := range m.comments {
		if pc.PinID != pinID {
			continue
		}
		out = append(out, model.Comment{
			ID:         pc.TempID,
			PinID:      pc.PinID,
			AuthorID:   pc.AuthorID,
			AuthorName: pc.AuthorName,
			Text:       pc.Text,
			CreatedAt:  pc.CreatedAt,
		})
	}
	m.mu.Unlock()

	sortCommentsByTime(out)
	return out
}

// PendingVoteFor returns the pending vote targeting the comment.
func (m *Manager) PendingVoteFor(commentID string) (PendingVote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pv, ok := m.votes[commentID]
	return pv, ok
}

// IsPendingComment reports whether the id names an unconfirmed
// speculative comment.
func (m *Manager) IsPendingComment(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.comments[id]
	return ok
}

// Counts reports pending entries by kind, for the stats surface.
func (m *Manager) Counts() (pendingComments, pendingVotes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.comments), len(m.votes)
}

// PurgeExpired drops entries older than the TTL and reports how many
// were removed. The same sweep also runs implicitly on every mutation.
func (m *Manager) PurgeExpired() int {
	m.mu.Lock()
	n := m.purgeLocked()
	subs := m.subscribersLocked()
	m.mu.Unlock()
	if n > 0 {
		m.notify(subs)
	}
	return n
}

func (m *Manager) purgeLocked() int {
	cutoff := m.now().Add(-m.ttl)
	removed := 0
	for id, pc := range m.comments {
		if pc.CreatedAt.Before(cutoff) {
			delete(m.comments, id)
			removed++
			observability.IncResolution("comment", "expired")
		}
	}
	for id, pv := range m.votes {
		if pv.CreatedAt.Before(cutoff) {
			delete(m.votes, id)
			removed++
			observability.IncResolution("vote", "expired")
		}
	}
	if removed > 0 {
		m.persistLocked()
	}
	observability.SetPendingMutations("comments", len(m.comments))
	observability.SetPendingMutations("votes", len(m.votes))
	return removed
}

func (m *Manager) subscribersLocked() []func() {
	out := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

func (m *Manager) notify(subs []func()) {
	for _, fn := range subs {
		fn()
	}
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if b, err := json.Marshal(m.comments); err == nil {
		if err := m.store.Set(ctx, commentsStoreKey, b); err != nil {
			m.logger.Warn().Err(err).Msg("persist pending comments failed")
		}
	}
	if b, err := json.Marshal(m.votes); err == nil {
		if err := m.store.Set(ctx, votesStoreKey, b); err != nil {
			m.logger.Warn().Err(err).Msg("persist pending votes failed")
		}
	}
}

func (m *Manager) load() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cutoff := m.now().Add(-m.ttl)

	if b, ok, err := m.store.Get(ctx, commentsStoreKey); err == nil && ok {
		var loaded map[string]PendingComment
		if err := json.Unmarshal(b, &loaded); err == nil {
			for id, pc := range loaded {
				if pc.CreatedAt.Before(cutoff) {
					continue
				}
				m.comments[id] = pc
			}
		} else {
			m.logger.Warn().Err(err).Msg("decode persisted pending comments failed")
		}
	}
	if b, ok, err := m.store.Get(ctx, votesStoreKey); err == nil && ok {
		var loaded map[string]PendingVote
		if err := json.Unmarshal(b, &loaded); err == nil {
			for id, pv := range loaded {
				if pv.CreatedAt.Before(cutoff) {
					continue
				}
				m.votes[id] = pv
			}
		} else {
			m.logger.Warn().Err(err).Msg("decode persisted pending votes failed")
		}
	}

	// rewrite so dropped expired entries disappear from the store too
	m.persistLocked()
}

func sortCommentsByTime(cs []model.Comment) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}
