// Package lock implements pessimistic session locking on top of a
// store.Store. Every state transition is a single conditional write and the
// affected-row count decides who won; nothing here holds an in-process
// mutex for a session.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pixperk/lockbox/pkg/clock"
	"github.com/pixperk/lockbox/pkg/logging"
	"github.com/pixperk/lockbox/pkg/metrics"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/sweep"
	"github.com/pixperk/lockbox/pkg/types"
)

// state of a record observed at the moment of an operation
type State int

const (
	Absent State = iota
	Expired
	Unlocked
	Locked
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Expired:
		return "expired"
	case Unlocked:
		return "unlocked"
	case Locked:
		return "locked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// attempts before a record that keeps flipping between our conditional
// update and the follow-up lookup is reported as contended
const maxAcquireAttempts = 3

type Observation struct {
	State State
	// current record for Unlocked and Locked, nil otherwise
	Record  *types.Record
	LockAge time.Duration
}

type Acquisition struct {
	Acquired bool
	// Locked when acquired or contended, Expired or Absent otherwise
	State State
	// post-acquisition record when acquired, the holder's record when contended
	Record  *types.Record
	LockAge time.Duration
	// flags as they were before acquisition cleared them
	ActionFlags types.ActionFlags
}

type Manager struct {
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
}

func NewManager(s store.Store, c clock.Clock, logger *slog.Logger) *Manager {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{store: s, clock: c, logger: logger}
}

func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// TryAcquire locks the record if it is unlocked and live, issuing the next
// lock token and clearing the placeholder flag in the same write.
func (m *Manager) TryAcquire(ctx context.Context, key types.Key) (Acquisition, error) {
	start := time.Now()
	defer func() {
		metrics.AcquireDuration.Observe(time.Since(start).Seconds())
	}()

	var last Observation
	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		now := m.clock.Now()
		mut := types.AcquireMutation(now)

		res, err := m.store.Update(ctx, key, types.WhenAcquirable(now), mut)
		if err != nil {
			return Acquisition{}, err
		}

		if res.Won() {
			post := res.Prior.Clone()
			mut.Apply(post)

			metrics.AcquireTotal.WithLabelValues("acquired").Inc()
			return Acquisition{
				Acquired:    true,
				State:       Locked,
				Record:      post,
				ActionFlags: res.Prior.ActionFlags,
			}, nil
		}

		//zero rows, classify with a point lookup
		last, err = m.observeAt(ctx, key, now)
		if err != nil {
			return Acquisition{}, err
		}

		switch last.State {
		case Locked:
			metrics.AcquireTotal.WithLabelValues("locked").Inc()
			return Acquisition{State: Locked, Record: last.Record, LockAge: last.LockAge}, nil
		case Expired, Absent:
			metrics.AcquireTotal.WithLabelValues("absent").Inc()
			return Acquisition{State: last.State}, nil
		}

		//released between our update and the lookup, go again
		metrics.AcquireTotal.WithLabelValues("retried").Inc()
		m.logger.Debug("acquire raced with release, retrying", "session", key.String(), "attempt", attempt)
	}

	//the record keeps changing hands, let the host back off like any contention
	return Acquisition{State: Locked, Record: last.Record}, nil
}

// Observe classifies the record without acquiring it. An expired record is
// reaped as a side effect.
func (m *Manager) Observe(ctx context.Context, key types.Key) (Observation, error) {
	return m.observeAt(ctx, key, m.clock.Now())
}

func (m *Manager) observeAt(ctx context.Context, key types.Key, now time.Time) (Observation, error) {
	rec, err := m.store.Get(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return Observation{State: Absent}, nil
	}
	if err != nil {
		return Observation{}, err
	}

	if rec.IsExpired(now) {
		sweep.Reap(ctx, m.store, key, now, m.logger)
		return Observation{State: Expired}, nil
	}

	if rec.Locked {
		return Observation{State: Locked, Record: rec, LockAge: rec.LockAge(now)}, nil
	}
	return Observation{State: Unlocked, Record: rec}, nil
}

// Release unlocks the record and slides its expiry by the stored timeout.
// A stale token is a silent no-op reported as false.
func (m *Manager) Release(ctx context.Context, key types.Key, token uint64) (bool, error) {
	res, err := m.store.Update(ctx, key, types.WhenToken(token), types.ReleaseMutation(m.clock.Now()))
	if err != nil {
		return false, err
	}
	return res.Won(), nil
}

// WriteBack persists the payload and releases the lock. False means the
// token was stale and nothing was written.
func (m *Manager) WriteBack(ctx context.Context, key types.Key, token uint64, payload []byte, timeoutMinutes int) (bool, error) {
	mut := types.WriteBackMutation(m.clock.Now(), timeoutMinutes, payload)
	res, err := m.store.Update(ctx, key, types.WhenToken(token), mut)
	if err != nil {
		return false, err
	}
	return res.Won(), nil
}

// Remove deletes the record when the token still matches.
func (m *Manager) Remove(ctx context.Context, key types.Key, token uint64) (bool, error) {
	n, err := m.store.DeleteIf(ctx, key, types.WhenToken(token))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch moves expiry to now+timeout regardless of lock state, or slides it
// by the stored timeout when timeoutMinutes <= 0. Dead records are left for
// the sweeper.
func (m *Manager) Touch(ctx context.Context, key types.Key, timeoutMinutes int) (bool, error) {
	now := m.clock.Now()

	mut := types.SlideMutation(now)
	if timeoutMinutes > 0 {
		mut = types.TouchMutation(now.Add(types.Minutes(timeoutMinutes)))
	}

	res, err := m.store.Update(ctx, key, types.Condition{LiveAt: now}, mut)
	if err != nil {
		return false, err
	}
	return res.Won(), nil
}

// Create inserts rec after purging a dead record left at the same key.
// A live collision is types.ErrDuplicateKey.
func (m *Manager) Create(ctx context.Context, rec *types.Record) error {
	now := m.clock.Now()
	if _, err := m.store.DeleteIf(ctx, rec.Key, types.WhenDead(now)); err != nil {
		return err
	}
	return m.store.Insert(ctx, rec)
}

// NewRecord builds an unlocked record stamped with the current time.
func (m *Manager) NewRecord(key types.Key, timeoutMinutes int, payload []byte, flags types.ActionFlags) *types.Record {
	now := m.clock.Now()
	return &types.Record{
		Key:            key,
		Created:        now,
		Expires:        now.Add(types.Minutes(timeoutMinutes)),
		LockDate:       now,
		TimeoutMinutes: timeoutMinutes,
		Payload:        payload,
		ActionFlags:    flags,
	}
}
