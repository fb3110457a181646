// Package backend declares the collaborator the cache core calls out
// to for authoritative pin, comment and vote state.
package backend

import (
	"context"
	"errors"

	"github.com/placepin/pincache/internal/model"
)

// Error taxonomy surfaced by implementations. Callers branch with
// errors.Is; the cache core itself never retries.
var (
	// ErrNotFound: the requested entity does not exist upstream.
	ErrNotFound = errors.New("backend: not found")
	// ErrForbidden: the mutation targets an entity the caller does not
	// own. The core rolls back any optimistic change on this error.
	ErrForbidden = errors.New("backend: forbidden")
	// ErrTransient: timeout or connectivity failure. Always resolves
	// the associated optimistic mutation to rollback.
	ErrTransient = errors.New("backend: transient network failure")
)

// CreatePin carries the pin and its mandatory first comment, created as
// a single logical unit.
type CreatePin struct {
	OwnerID    string           `json:"owner_id"`
	OwnerName  string           `json:"owner_name"`
	Name       string           `json:"name"`
	Location   model.Point      `json:"location"`
	FirstText  string           `json:"first_text"`
	FirstPhoto *model.PhotoMeta `json:"first_photo,omitempty"`
}

// DeleteCommentResult reports whether removing the comment cascaded
// into deleting its pin (last comment rule).
type DeleteCommentResult struct {
	PinDeleted bool   `json:"pin_deleted"`
	PinID      string `json:"pin_id"`
}

type Interface interface {
	FetchPinsInBounds(ctx context.Context, b model.Bounds) ([]model.Pin, error)
	FetchComments(ctx context.Context, pinID string) ([]model.Comment, error)
	FetchCommentsBatch(ctx context.Context, pinIDs []string) (map[string][]model.Comment, error)

	CreatePin(ctx context.Context, req CreatePin) (model.Pin, error)
	DeletePin(ctx context.Context, pinID string) error

	AddComment(ctx context.Context, pinID, text string, photo *model.PhotoMeta) (model.Comment, error)
	EditComment(ctx context.Context, commentID, text string, photo *model.PhotoMeta) error
	DeleteComment(ctx context.Context, commentID string) (DeleteCommentResult, error)

	VoteOnComment(ctx context.Context, commentID string, value int) error
}
