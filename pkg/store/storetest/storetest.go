// Package storetest provides a conformance suite every store.Store backend
// must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Base is the wall time the suite evaluates conditions against.
var Base = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// NewRecord builds an unlocked record created at Base.
func NewRecord(app, id string, timeoutMinutes int, payload []byte) *types.Record {
	return &types.Record{
		Key:            types.Key{Application: app, SessionID: id},
		Created:        Base,
		Expires:        Base.Add(types.Minutes(timeoutMinutes)),
		LockDate:       Base,
		TimeoutMinutes: timeoutMinutes,
		Payload:        payload,
	}
}

// RunStoreContract runs the conformance suite against the backend.
func RunStoreContract(t *testing.T, newStore Factory) {
	t.Helper()

	run := func(name string, fn func(t *testing.T, s store.Store)) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			fn(t, s)
		})
	}

	run("GetMissing", testGetMissing)
	run("InsertAndGet", testInsertAndGet)
	run("InsertDuplicate", testInsertDuplicate)
	run("ApplicationPartition", testApplicationPartition)
	run("KeyBytesDoNotAlias", testKeyBytesDoNotAlias)
	run("AcquireCompareAndSwap", testAcquireCompareAndSwap)
	run("AcquireExpired", testAcquireExpired)
	run("TokenGuardedWriteBack", testTokenGuardedWriteBack)
	run("ReleaseSlidesExpiry", testReleaseSlidesExpiry)
	run("TouchOnlyMovesExpiry", testTouchOnlyMovesExpiry)
	run("UpdateMissing", testUpdateMissing)
	run("DeleteIfToken", testDeleteIfToken)
	run("DeleteIfDead", testDeleteIfDead)
	run("DeleteUnconditional", testDeleteUnconditional)
	run("DeleteExpired", testDeleteExpired)
	run("ConcurrentAcquire", testConcurrentAcquire)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), types.Key{Application: "app", SessionID: "missing"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 20, []byte{0x00, 0x01, 0xfe, 0xff, 'a'})
	rec.LockToken = 7
	rec.ActionFlags = types.ActionInitialize
	rec.LockDate = Base.Add(-time.Second)
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.True(t, rec.Created.Equal(got.Created))
	assert.True(t, rec.Expires.Equal(got.Expires))
	assert.True(t, rec.LockDate.Equal(got.LockDate))
	assert.Equal(t, uint64(7), got.LockToken)
	assert.Equal(t, 20, got.TimeoutMinutes)
	assert.False(t, got.Locked)
	assert.Equal(t, rec.Payload, got.Payload, "payload must round-trip byte for byte")
	assert.Equal(t, types.ActionInitialize, got.ActionFlags)

	empty := NewRecord("app", "empty", 20, nil)
	require.NoError(t, s.Insert(ctx, empty))
	got, err = s.Get(ctx, empty.Key)
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
}

func testInsertDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 20, []byte("first"))
	require.NoError(t, s.Insert(ctx, rec))

	err := s.Insert(ctx, NewRecord("app", "sid", 5, []byte("second")))
	assert.ErrorIs(t, err, types.ErrDuplicateKey)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got.Payload)

	// dead rows still occupy the key until purged
	dead := NewRecord("app", "dead", 1, nil)
	dead.Expires = Base.Add(-time.Minute)
	require.NoError(t, s.Insert(ctx, dead))
	assert.ErrorIs(t, s.Insert(ctx, NewRecord("app", "dead", 1, nil)), types.ErrDuplicateKey)
}

func testApplicationPartition(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := NewRecord("app-a", "shared-id", 20, []byte("a"))
	b := NewRecord("app-b", "shared-id", 20, []byte("b"))
	require.NoError(t, s.Insert(ctx, a))
	require.NoError(t, s.Insert(ctx, b))

	res, err := s.Update(ctx, a.Key, types.WhenAcquirable(Base), types.AcquireMutation(Base))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)

	got, err := s.Get(ctx, b.Key)
	require.NoError(t, err)
	assert.False(t, got.Locked, "locking one application must not lock another")
	assert.Equal(t, []byte("b"), got.Payload)
}

// control bytes are legal in both key parts, no split point may merge two keys
func testKeyBytesDoNotAlias(t *testing.T, s store.Store) {
	ctx := context.Background()

	owner := NewRecord("shop\x1fadmin", "s1", 20, []byte("secret-of-app-a"))
	require.NoError(t, s.Insert(ctx, owner))

	other := types.Key{Application: "shop", SessionID: "admin\x1fs1"}
	_, err := s.Get(ctx, other)
	assert.ErrorIs(t, err, types.ErrNotFound)

	res, err := s.Update(ctx, other, types.WhenAcquirable(Base), types.AcquireMutation(Base))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Affected)

	n, err := s.DeleteIf(ctx, other, types.Condition{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, s.Insert(ctx, NewRecord(other.Application, other.SessionID, 20, []byte("b"))))

	got, err := s.Get(ctx, owner.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-of-app-a"), got.Payload)
	assert.False(t, got.Locked)
}

func testAcquireCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 20, []byte("abc"))
	rec.ActionFlags = types.ActionInitialize
	require.NoError(t, s.Insert(ctx, rec))

	now := Base.Add(time.Second)
	res, err := s.Update(ctx, rec.Key, types.WhenAcquirable(now), types.AcquireMutation(now))
	require.NoError(t, err)
	require.True(t, res.Won())
	require.NotNil(t, res.Prior)
	assert.False(t, res.Prior.Locked)
	assert.Equal(t, uint64(0), res.Prior.LockToken)
	assert.Equal(t, types.ActionInitialize, res.Prior.ActionFlags, "prior image keeps the flag the write cleared")
	assert.Equal(t, []byte("abc"), res.Prior.Payload)

	res, err = s.Update(ctx, rec.Key, types.WhenAcquirable(now), types.AcquireMutation(now))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Affected, "a held lock cannot be acquired again")
	assert.Nil(t, res.Prior)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.True(t, got.Locked)
	assert.Equal(t, uint64(1), got.LockToken)
	assert.Equal(t, types.ActionNone, got.ActionFlags)
	assert.True(t, now.Equal(got.LockDate))
	assert.True(t, rec.Expires.Equal(got.Expires), "acquisition never moves expiry")
}

func testAcquireExpired(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 1, nil)
	require.NoError(t, s.Insert(ctx, rec))

	res, err := s.Update(ctx, rec.Key, types.WhenAcquirable(rec.Expires), types.AcquireMutation(rec.Expires))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Affected)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.False(t, got.Locked)
	assert.Equal(t, uint64(0), got.LockToken)
}

func testTokenGuardedWriteBack(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 20, []byte("old"))
	require.NoError(t, s.Insert(ctx, rec))
	_, err := s.Update(ctx, rec.Key, types.WhenAcquirable(Base), types.AcquireMutation(Base))
	require.NoError(t, err)

	now := Base.Add(time.Minute)

	res, err := s.Update(ctx, rec.Key, types.WhenToken(0), types.WriteBackMutation(now, 30, []byte("stale")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Affected)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.True(t, got.Locked, "stale write must not unlock")
	assert.Equal(t, []byte("old"), got.Payload, "stale write must not touch payload")

	res, err = s.Update(ctx, rec.Key, types.WhenToken(1), types.WriteBackMutation(now, 30, []byte("new")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)

	got, err = s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.False(t, got.Locked)
	assert.Equal(t, []byte("new"), got.Payload)
	assert.Equal(t, 30, got.TimeoutMinutes)
	assert.True(t, now.Add(30*time.Minute).Equal(got.Expires))
	assert.Equal(t, uint64(1), got.LockToken)
}

func testReleaseSlidesExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 15, []byte("keep"))
	require.NoError(t, s.Insert(ctx, rec))
	_, err := s.Update(ctx, rec.Key, types.WhenAcquirable(Base), types.AcquireMutation(Base))
	require.NoError(t, err)

	now := Base.Add(10 * time.Minute)
	res, err := s.Update(ctx, rec.Key, types.WhenToken(1), types.ReleaseMutation(now))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.False(t, got.Locked)
	assert.True(t, now.Add(15*time.Minute).Equal(got.Expires))
	assert.Equal(t, []byte("keep"), got.Payload)
}

func testTouchOnlyMovesExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 20, []byte("data"))
	require.NoError(t, s.Insert(ctx, rec))
	_, err := s.Update(ctx, rec.Key, types.WhenAcquirable(Base), types.AcquireMutation(Base))
	require.NoError(t, err)

	expires := Base.Add(3 * time.Hour)
	res, err := s.Update(ctx, rec.Key, types.Condition{}, types.TouchMutation(expires))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.True(t, expires.Equal(got.Expires))
	assert.True(t, got.Locked)
	assert.Equal(t, uint64(1), got.LockToken)
	assert.Equal(t, []byte("data"), got.Payload)

	slideFrom := Base.Add(time.Hour)
	_, err = s.Update(ctx, rec.Key, types.Condition{}, types.SlideMutation(slideFrom))
	require.NoError(t, err)
	got, err = s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.True(t, slideFrom.Add(20*time.Minute).Equal(got.Expires))
}

func testUpdateMissing(t *testing.T, s store.Store) {
	res, err := s.Update(context.Background(), types.Key{Application: "app", SessionID: "ghost"}, types.Condition{}, types.TouchMutation(Base))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Affected)
}

func testDeleteIfToken(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 20, nil)
	rec.LockToken = 3
	require.NoError(t, s.Insert(ctx, rec))

	n, err := s.DeleteIf(ctx, rec.Key, types.WhenToken(2))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = s.Get(ctx, rec.Key)
	require.NoError(t, err, "stale remove must leave the record")

	n, err = s.DeleteIf(ctx, rec.Key, types.WhenToken(3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, rec.Key)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testDeleteIfDead(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 5, nil)
	require.NoError(t, s.Insert(ctx, rec))

	n, err := s.DeleteIf(ctx, rec.Key, types.WhenDead(Base))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "live record survives")

	n, err = s.DeleteIf(ctx, rec.Key, types.WhenDead(rec.Expires))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteIf(ctx, rec.Key, types.WhenDead(rec.Expires))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testDeleteUnconditional(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "sid", 20, nil)
	require.NoError(t, s.Insert(ctx, rec))
	require.NoError(t, s.Delete(ctx, rec.Key))

	_, err := s.Get(ctx, rec.Key)
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.NoError(t, s.Delete(ctx, rec.Key), "deleting a missing key is not an error")
	require.NoError(t, s.Insert(ctx, rec), "key is free again after delete")
}

func testDeleteExpired(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, NewRecord("app", fmt.Sprintf("short-%d", i), 1, nil)))
	}
	long := NewRecord("app", "long", 60, []byte("alive"))
	require.NoError(t, s.Insert(ctx, long))

	n, err := s.DeleteExpired(ctx, Base)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.DeleteExpired(ctx, Base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.Get(ctx, types.Key{Application: "app", SessionID: "short-0"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err := s.Get(ctx, long.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("alive"), got.Payload)
}

func testConcurrentAcquire(t *testing.T, s store.Store) {
	ctx := context.Background()

	rec := NewRecord("app", "contended", 20, nil)
	require.NoError(t, s.Insert(ctx, rec))

	const workers = 8
	var wg sync.WaitGroup
	results := make([]struct {
		won bool
		err error
	}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := s.Update(ctx, rec.Key, types.WhenAcquirable(Base), types.AcquireMutation(Base))
			results[idx].won = res.Won()
			results[idx].err = err
		}(i)
	}

	wg.Wait()

	successCount := 0
	for _, r := range results {
		require.NoError(t, r.err)
		if r.won {
			successCount++
		}
	}
	assert.Equal(t, 1, successCount, "exactly one worker should acquire the lock")

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.LockToken)
}
