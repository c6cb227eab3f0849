package types

import (
	"fmt"
	"time"
)

const (
	MaxSessionIDLen   = 80
	MaxApplicationLen = 255
)

// identifies a session record
// the same session id may exist under several applications sharing one store
type Key struct {
	Application string
	SessionID   string
}

func (k Key) Validate() error {
	if k.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidKey)
	}
	if len(k.SessionID) > MaxSessionIDLen {
		return fmt.Errorf("%w: session id longer than %d bytes", ErrInvalidKey, MaxSessionIDLen)
	}
	if len(k.Application) > MaxApplicationLen {
		return fmt.Errorf("%w: application name longer than %d bytes", ErrInvalidKey, MaxApplicationLen)
	}
	return nil
}

func (k Key) String() string {
	return k.Application + "/" + k.SessionID
}

// host-facing hint stored alongside the payload
type ActionFlags uint8

const (
	ActionNone ActionFlags = iota
	// record is a placeholder, the host must initialize a fresh payload
	ActionInitialize
)

func (f ActionFlags) String() string {
	switch f {
	case ActionNone:
		return "none"
	case ActionInitialize:
		return "initialize"
	default:
		return fmt.Sprintf("flags(%d)", uint8(f))
	}
}

// record is the only persisted entity
// lock token is strictly monotonic for the lifetime of a record and must be
// presented to write back, release or remove
type Record struct {
	Key
	Created        time.Time
	Expires        time.Time
	LockDate       time.Time
	LockToken      uint64
	TimeoutMinutes int
	Locked         bool
	Payload        []byte
	ActionFlags    ActionFlags
}

// a record is dead once now >= expires
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.Expires)
}

// how long the current holder has held the lock
func (r *Record) LockAge(now time.Time) time.Duration {
	age := now.Sub(r.LockDate)
	if age < 0 {
		return 0
	}
	return age
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return &c
}

// Timeout returns the idle timeout as a duration.
func (r *Record) Timeout() time.Duration {
	return Minutes(r.TimeoutMinutes)
}

func Minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
