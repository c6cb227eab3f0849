package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/pixperk/lockbox/pkg/metrics"
	"github.com/pixperk/lockbox/pkg/types"
)

// the only failure a host sees when storage errors are suppressed
var ErrProviderFailure = errors.New("an error occurred, please contact your administrator")

// StorageError carries the failing operation and key. It matches
// types.ErrStorageFailure and unwraps to the backend's error.
type StorageError struct {
	Op  string
	Key types.Key
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == types.ErrStorageFailure
}

// maps store errors to what the host may see
// invalid keys are the caller's mistake and pass through unchanged, anything
// else is a storage failure that is either surfaced or recorded and replaced
func (p *Provider) fail(ctx context.Context, op string, key types.Key, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, types.ErrInvalidKey) {
		return err
	}

	metrics.StorageFailuresTotal.WithLabelValues(op).Inc()
	serr := &StorageError{Op: op, Key: key, Err: err}

	if p.cfg.SuppressStorageErrors {
		p.audit.Record(ctx, serr)
		return ErrProviderFailure
	}
	return serr
}
