package sweep

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pixperk/lockbox/pkg/clock"
	"github.com/pixperk/lockbox/pkg/logging"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/store/memory"
	"github.com/pixperk/lockbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func insert(t *testing.T, s store.Store, id string, timeoutMinutes int) types.Key {
	t.Helper()
	key := types.Key{Application: "app1", SessionID: id}
	require.NoError(t, s.Insert(context.Background(), &types.Record{
		Key:            key,
		Created:        t0,
		Expires:        t0.Add(types.Minutes(timeoutMinutes)),
		LockDate:       t0,
		TimeoutMinutes: timeoutMinutes,
	}))
	return key
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, time.Minute, ClampInterval(0))
	assert.Equal(t, time.Minute, ClampInterval(-time.Second))
	assert.Equal(t, time.Minute, ClampInterval(5*time.Second))
	assert.Equal(t, 5*time.Minute, ClampInterval(5*time.Minute))
}

func TestReap(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	key := insert(t, s, "sid-42", 1)

	assert.False(t, Reap(ctx, s, key, t0, logging.NewNop()), "live record survives")
	assert.True(t, Reap(ctx, s, key, t0.Add(time.Minute), logging.NewNop()))
	assert.False(t, Reap(ctx, s, key, t0.Add(time.Minute), logging.NewNop()), "already gone")
}

type failingStore struct {
	store.Store
}

func (failingStore) DeleteIf(context.Context, types.Key, types.Condition) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestReapSwallowsErrors(t *testing.T) {
	assert.False(t, Reap(context.Background(), failingStore{}, types.Key{SessionID: "x"}, t0, logging.NewNop()))
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	for i := 0; i < 3; i++ {
		insert(t, s, fmt.Sprintf("short-%d", i), 1)
	}
	long := insert(t, s, "long", 60)

	clk := clock.NewManual(t0.Add(30 * time.Second))
	sw := New(s, time.Minute, WithClock(clk))

	n, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	clk.Advance(time.Minute)
	n, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.Get(ctx, long)
	assert.NoError(t, err)
}

func TestRunOnceReportsStoreErrors(t *testing.T) {
	sw := New(failingStore{}, time.Minute)
	_, err := sw.RunOnce(context.Background())
	assert.Error(t, err)
}

// TestSweeperLoop tests that each tick runs a sweep and Stop ends the loop
func TestSweeperLoop(t *testing.T) {
	s := memory.New()
	key := insert(t, s, "sid-42", 1)

	ticks := make(chan time.Time)
	stopped := make(chan struct{})
	var requested time.Duration
	source := func(d time.Duration) (<-chan time.Time, func()) {
		requested = d
		return ticks, func() { close(stopped) }
	}

	clk := clock.NewManual(t0.Add(2 * time.Minute))
	sw := New(s, 10*time.Second, WithClock(clk), WithTickSource(source))
	assert.Equal(t, time.Minute, sw.Interval(), "interval is clamped to the minimum")

	sw.Start(context.Background())
	sw.Start(context.Background()) // second start is a no-op
	assert.Equal(t, time.Minute, requested)

	ticks <- clk.Now()

	assert.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), key)
		return errors.Is(err, types.ErrNotFound)
	}, time.Second, 10*time.Millisecond)

	sw.Stop()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("tick source was not stopped")
	}

	sw.Stop() // idempotent
}

func TestSweeperStopsWithParentContext(t *testing.T) {
	ticks := make(chan time.Time)
	stopped := make(chan struct{})
	source := func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() { close(stopped) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	sw := New(memory.New(), time.Minute, WithTickSource(source))
	sw.Start(ctx)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on parent cancel")
	}
	sw.Stop()
}
