package fsm

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/lockbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newRecord(id string, ttl time.Duration) *types.Record {
	return &types.Record{
		Key:            types.Key{Application: "app1", SessionID: id},
		Created:        t0,
		Expires:        t0.Add(ttl),
		LockDate:       t0,
		TimeoutMinutes: int(ttl / time.Minute),
		Payload:        []byte("payload"),
	}
}

// TestInsert tests record insertion and key uniqueness
func TestInsert(t *testing.T) {
	fsm := NewFSM()
	rec := newRecord("sid-1", 20*time.Minute)

	result, err := fsm.Apply(types.InsertCmd{Record: rec})
	require.NoError(t, err)

	resp, ok := result.(InsertResponse)
	require.True(t, ok, "expected InsertResponse")
	assert.True(t, resp.Inserted)

	// Verify record was stored
	stored, exists := fsm.Get(rec.Key)
	require.True(t, exists, "record should exist")
	assert.Equal(t, rec, stored)

	// Second insert on the same key is refused
	result, err = fsm.Apply(types.InsertCmd{Record: newRecord("sid-1", time.Minute)})
	require.NoError(t, err)
	assert.False(t, result.(InsertResponse).Inserted)
}

// TestStoredRecordIsIsolated tests that callers cannot mutate the table through returned records
func TestStoredRecordIsIsolated(t *testing.T) {
	fsm := NewFSM()
	rec := newRecord("sid-1", 20*time.Minute)
	fsm.Apply(types.InsertCmd{Record: rec})

	rec.Payload[0] = 'X'
	got, _ := fsm.Get(rec.Key)
	got.Locked = true

	again, _ := fsm.Get(rec.Key)
	assert.Equal(t, []byte("payload"), again.Payload)
	assert.False(t, again.Locked)
}

// TestConditionalUpdate tests that updates only apply when the predicate holds
func TestConditionalUpdate(t *testing.T) {
	fsm := NewFSM()
	rec := newRecord("sid-1", 20*time.Minute)
	fsm.Apply(types.InsertCmd{Record: rec})

	// Acquire
	result, err := fsm.Apply(types.UpdateCmd{
		Key:  rec.Key,
		Cond: types.WhenAcquirable(t0),
		Mut:  types.AcquireMutation(t0),
	})
	require.NoError(t, err)

	resp := result.(UpdateResponse)
	assert.Equal(t, int64(1), resp.Affected)
	require.NotNil(t, resp.Prior)
	assert.False(t, resp.Prior.Locked, "prior image is the row before the write")
	assert.Equal(t, uint64(0), resp.Prior.LockToken)

	// Second acquire loses
	result, err = fsm.Apply(types.UpdateCmd{
		Key:  rec.Key,
		Cond: types.WhenAcquirable(t0),
		Mut:  types.AcquireMutation(t0),
	})
	require.NoError(t, err)
	resp = result.(UpdateResponse)
	assert.Equal(t, int64(0), resp.Affected)
	assert.Nil(t, resp.Prior)

	stored, _ := fsm.Get(rec.Key)
	assert.True(t, stored.Locked)
	assert.Equal(t, uint64(1), stored.LockToken)
}

// TestUpdateMissingRecord tests that an update on an absent key affects nothing
func TestUpdateMissingRecord(t *testing.T) {
	fsm := NewFSM()

	result, err := fsm.Apply(types.UpdateCmd{
		Key: types.Key{Application: "app1", SessionID: "ghost"},
		Mut: types.TouchMutation(t0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.(UpdateResponse).Affected)
}

// TestLockTokenMonotonicity tests that tokens strictly increase across acquire/release cycles
func TestLockTokenMonotonicity(t *testing.T) {
	fsm := NewFSM()
	rec := newRecord("sid-1", 20*time.Minute)
	fsm.Apply(types.InsertCmd{Record: rec})

	tokens := make([]uint64, 10)

	for i := 0; i < 10; i++ {
		_, err := fsm.Apply(types.UpdateCmd{
			Key:  rec.Key,
			Cond: types.WhenAcquirable(t0),
			Mut:  types.AcquireMutation(t0),
		})
		require.NoError(t, err)

		stored, _ := fsm.Get(rec.Key)
		tokens[i] = stored.LockToken

		result, err := fsm.Apply(types.UpdateCmd{
			Key:  rec.Key,
			Cond: types.WhenToken(stored.LockToken),
			Mut:  types.ReleaseMutation(t0),
		})
		require.NoError(t, err)
		require.Equal(t, int64(1), result.(UpdateResponse).Affected)
	}

	// Verify strictly increasing
	for i := 1; i < len(tokens); i++ {
		assert.Greater(t, tokens[i], tokens[i-1], "tokens must be strictly increasing")
	}

	// Final token should be 10
	assert.Equal(t, uint64(10), tokens[9])
}

// TestConditionalDelete tests token-guarded and unconditional deletes
func TestConditionalDelete(t *testing.T) {
	fsm := NewFSM()
	rec := newRecord("sid-1", 20*time.Minute)
	rec.LockToken = 4
	fsm.Apply(types.InsertCmd{Record: rec})

	stale := types.WhenToken(3)
	result, err := fsm.Apply(types.DeleteCmd{Key: rec.Key, Cond: &stale})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.(DeleteResponse).Deleted)

	current := types.WhenToken(4)
	result, err = fsm.Apply(types.DeleteCmd{Key: rec.Key, Cond: &current})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.(DeleteResponse).Deleted)

	_, exists := fsm.Get(rec.Key)
	assert.False(t, exists)

	// Deleting again is a no-op
	result, err = fsm.Apply(types.DeleteCmd{Key: rec.Key})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.(DeleteResponse).Deleted)
}

// TestSweep tests that only dead records are removed
func TestSweep(t *testing.T) {
	fsm := NewFSM()
	fsm.Apply(types.InsertCmd{Record: newRecord("short-1", time.Minute)})
	fsm.Apply(types.InsertCmd{Record: newRecord("short-2", time.Minute)})
	fsm.Apply(types.InsertCmd{Record: newRecord("long", time.Hour)})

	now := t0.Add(2 * time.Minute)
	assert.Len(t, fsm.ExpiredKeys(now), 2)

	result, err := fsm.Apply(types.SweepCmd{Now: now})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.(SweepResponse).Deleted)

	stats := fsm.Stats()
	assert.Equal(t, 1, stats.Records)
	assert.Empty(t, fsm.ExpiredKeys(now))
}

// TestUnknownCommand tests that unknown commands are rejected
func TestUnknownCommand(t *testing.T) {
	fsm := NewFSM()

	_, err := fsm.Apply(nil)
	assert.ErrorIs(t, err, types.ErrUnknownCommand)
}

// TestConcurrentAcquire tests that exactly one of many racing acquirers wins
func TestConcurrentAcquire(t *testing.T) {
	fsm := NewFSM()
	rec := newRecord("contended", 20*time.Minute)
	fsm.Apply(types.InsertCmd{Record: rec})

	const workers = 16
	var wg sync.WaitGroup
	wins := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := fsm.Apply(types.UpdateCmd{
				Key:  rec.Key,
				Cond: types.WhenAcquirable(t0),
				Mut:  types.AcquireMutation(t0),
			})
			if err != nil {
				return
			}
			wins[idx] = result.(UpdateResponse).Affected == 1
		}(i)
	}

	wg.Wait()

	successCount := 0
	for _, w := range wins {
		if w {
			successCount++
		}
	}
	assert.Equal(t, 1, successCount, fmt.Sprintf("exactly one of %d workers should acquire", workers))

	stats := fsm.Stats()
	assert.Equal(t, 1, stats.Locked)
}
