// Package model defines the shared data types for the pin cache core.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Point is a geographic coordinate. Longitude comes first to match the
// wire ordering used by the backend (GeoJSON convention).
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Bounds is a rectangular lat/lng viewport in EPSG:4326 degrees.
type Bounds struct {
	MinLng float64 `json:"min_lng"`
	MinLat float64 `json:"min_lat"`
	MaxLng float64 `json:"max_lng"`
	MaxLat float64 `json:"max_lat"`
}

func (b Bounds) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.MinLng, b.MinLat, b.MaxLng, b.MaxLat)
}

// Validate rejects bounds outside EPSG:4326 range or with inverted
// edges. Zero-area bounds (min == max) are valid.
func (b Bounds) Validate() error {
	if !(b.MinLng >= -180 && b.MinLng <= 180 && b.MaxLng >= -180 && b.MaxLng <= 180) {
		return fmt.Errorf("longitude out of range: %s", b)
	}
	if !(b.MinLat >= -90 && b.MinLat <= 90 && b.MaxLat >= -90 && b.MaxLat <= 90) {
		return fmt.Errorf("latitude out of range: %s", b)
	}
	if b.MaxLng < b.MinLng || b.MaxLat < b.MinLat {
		return fmt.Errorf("bounds must satisfy max>=min: %s", b)
	}
	return nil
}

// Contains reports whether the point lies inside the bounds, edges
// included.
func (b Bounds) Contains(p Point) bool {
	return p.Lng >= b.MinLng && p.Lng <= b.MaxLng &&
		p.Lat >= b.MinLat && p.Lat <= b.MaxLat
}

// Center returns the midpoint of the bounds.
func (b Bounds) Center() Point {
	return Point{
		Lng: (b.MinLng + b.MaxLng) / 2,
		Lat: (b.MinLat + b.MaxLat) / 2,
	}
}

// Pin is a map marker carrying a threaded discussion. CommentsCount is
// denormalized by the backend and reconciled locally against pending
// optimistic mutations; it never goes below zero.
type Pin struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	Location      Point     `json:"location"`
	CommentsCount int       `json:"comments_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PhotoMeta describes an uploaded photo attached to a comment.
type PhotoMeta struct {
	URL    string `json:"url"`
	Size   int64  `json:"size,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Format string `json:"format,omitempty"`
}

// TempIDPrefix marks client-generated comment ids that have not been
// confirmed by the backend yet.
const TempIDPrefix = "pc-"

// Comment is a single entry in a pin's thread. The first comment is
// created together with the pin and only goes away through the pin
// deletion cascade.
type Comment struct {
	ID         string     `json:"id"`
	PinID      string     `json:"pin_id"`
	AuthorID   string     `json:"author_id"`
	AuthorName string     `json:"author_name"`
	Text       string     `json:"text"`
	Photo      *PhotoMeta `json:"photo,omitempty"`
	IsFirst    bool       `json:"is_first"`
	CreatedAt  time.Time  `json:"created_at"`
	Votes      []Vote     `json:"votes,omitempty"`
}

// IsTemp reports whether the comment id is a client-generated
// placeholder awaiting confirmation.
func (c Comment) IsTemp() bool { return IsTempID(c.ID) }

func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// Vote is one user's vote on a comment. Value is +1 or -1; absence of a
// row means no vote.
type Vote struct {
	CommentID string    `json:"comment_id"`
	UserID    string    `json:"user_id"`
	Value     int       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// VoteAggregate is derived vote state for one comment as seen by one
// user. It is recomputed from the persisted vote list plus any pending
// override and never stored as primary truth.
type VoteAggregate struct {
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
	Net      int `json:"net"`
	UserVote int `json:"user_vote"`
}

// CommentView is a comment enriched with its vote aggregate, ready for
// rendering. Pending reports whether the comment is still speculative.
type CommentView struct {
	Comment
	Aggregate VoteAggregate `json:"aggregate"`
	Pending   bool          `json:"pending"`
}
