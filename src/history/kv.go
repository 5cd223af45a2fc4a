// Package history persists conversation transcripts durably: bounded storage
// with recency-based eviction, and one active-conversation pointer per travel
// context so the right conversation resumes when a context is revisited.
package history

import (
	"context"
	"errors"
)

// ErrCapacityExceeded is returned by a KV when a write does not fit the
// backend's capacity. The store reacts by evicting and retrying once.
var ErrCapacityExceeded = errors.New("storage capacity exceeded")

// KV is the durable key-value medium conversations are stored in. Get returns
// (nil, nil) for a missing key. Implementations must be safe for concurrent
// use within one process; cross-process writers race (last writer wins).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
