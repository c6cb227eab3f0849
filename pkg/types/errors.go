package types

import "errors"

var (
	// Record errors
	ErrNotFound     = errors.New("session record not found")
	ErrDuplicateKey = errors.New("session record already exists")
	ErrInvalidKey   = errors.New("invalid session key")

	// Lock errors
	ErrStaleToken = errors.New("lock token is stale")

	// Storage errors
	ErrStorageFailure  = errors.New("session storage failure")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrMalformedRecord = errors.New("malformed record encoding")
)
