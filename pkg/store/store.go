// Package store defines the Record Store contract shared by every session
// backend.
//
// All mutation goes through conditional operations. The affected-row count
// returned by Update and DeleteIf is the only signal a caller may use to
// learn whether its compare-and-swap won; implementations must evaluate the
// condition and apply the write as one atomic step with respect to every
// other caller of the same store, including callers in other processes.
package store

import (
	"context"
	"time"

	"github.com/pixperk/lockbox/pkg/types"
)

// Store is a durable table keyed by (application, session id).
type Store interface {
	// Get returns the record at key, or types.ErrNotFound. Expired records
	// are returned as stored; expiry is the caller's decision.
	Get(ctx context.Context, key types.Key) (*types.Record, error)

	// Insert adds a record. It returns types.ErrDuplicateKey when any record
	// (live or dead) already exists at the key.
	Insert(ctx context.Context, rec *types.Record) error

	// Update applies mut to the record at key when cond holds at the moment
	// of the write.
	Update(ctx context.Context, key types.Key, cond types.Condition, mut types.Mutation) (UpdateResult, error)

	// Delete removes the record at key unconditionally. Missing keys are not
	// an error.
	Delete(ctx context.Context, key types.Key) error

	// DeleteIf removes the record at key when cond holds and reports how
	// many records were removed.
	DeleteIf(ctx context.Context, key types.Key, cond types.Condition) (int64, error)

	// DeleteExpired removes every record dead at now in one batch.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Close releases the backend.
	Close() error
}

// UpdateResult reports the outcome of a conditional update.
type UpdateResult struct {
	// Affected is 1 when the condition matched and the write happened, 0
	// otherwise.
	Affected int64
	// Prior is the record as it was immediately before the write. Nil when
	// Affected is 0.
	Prior *types.Record
}

// Won reports whether the conditional write happened.
func (r UpdateResult) Won() bool {
	return r.Affected > 0
}
