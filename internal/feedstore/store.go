// Package feedstore holds the append-only Feed Item Record table the Feed
// Watcher consults to avoid republishing an item it has already seen
// (spec §3, §4.9).
//
// Grounded on the teacher's internal/storage package: a dual-backend
// split (json_repository.go / postgres_repository.go) behind one small
// interface, extended here with a Redis-backed option grounded on
// ManuGH-xg2g/internal/cache/redis.go's client idiom.
package feedstore

import (
	"context"

	"bitriver-submerger/internal/models"
)

// Store records which feed items have already been published, so the Feed
// Watcher can skip them on future polls. There is no eviction: published
// items are retained for the lifetime of the backing store.
type Store interface {
	// Exists reports whether itemID has already been recorded.
	Exists(ctx context.Context, itemID string) (bool, error)
	// Insert records itemID as published. Calling Insert twice for the same
	// itemID is not an error.
	Insert(ctx context.Context, record models.FeedItemRecord) error
	Close(ctx context.Context) error
}
