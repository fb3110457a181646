// Package kvstore defines the durable key-value capability used to
// persist pending optimistic state across restarts. The core is tested
// against the in-memory implementation and deployed against Redis.
package kvstore

import "context"

// Store is a minimal string-keyed byte store. Get reports presence
// explicitly so a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
	Del(ctx context.Context, keys ...string) error
}
