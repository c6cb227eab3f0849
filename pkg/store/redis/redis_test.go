package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/store/storetest"
	"github.com/pixperk/lockbox/pkg/types"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStoreContract(t *testing.T) {
	storetest.RunStoreContract(t, func(t *testing.T) store.Store {
		_, client := newMiniredis(t)
		return NewFromClient(client, "")
	})
}

func TestNewPingsServer(t *testing.T) {
	mr, _ := newMiniredis(t)

	s, err := New(context.Background(), Config{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(context.Background(), storetest.NewRecord("app1", "sid-42", 20, nil)))
	assert.True(t, mr.Exists("test:rec:4:app1sid-42"))
	assert.True(t, mr.Exists("test:expiry"))
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr, _ := newMiniredis(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}

// TestKeyPrefixIsolation tests that stores with different prefixes share nothing
func TestKeyPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)

	a := NewFromClient(client, "a:")
	b := NewFromClient(client, "b:")

	rec := storetest.NewRecord("app1", "sid-42", 20, []byte("abc"))
	require.NoError(t, a.Insert(ctx, rec))

	_, err := b.Get(ctx, rec.Key)
	assert.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, b.Insert(ctx, rec))
}

// TestSweepSkipsRefreshedRecords tests that a stale index score does not reap a live record
func TestSweepSkipsRefreshedRecords(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	s := NewFromClient(client, "")

	rec := storetest.NewRecord("app1", "sid-42", 1, nil)
	require.NoError(t, s.Insert(ctx, rec))

	// simulate a writer that moved expiry without touching the index
	mr.HSet(s.recordKey(member(rec.Key)), "expires", millis(rec.Expires.Add(time.Hour)))

	n, err := s.DeleteExpired(ctx, rec.Expires)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = s.Get(ctx, rec.Key)
	assert.NoError(t, err)

	// the index now carries the refreshed expiry
	score, err := mr.ZScore(s.expiryKey(), member(rec.Key))
	require.NoError(t, err)
	assert.Equal(t, float64(rec.Expires.Add(time.Hour).UnixMilli()), score)
}

// TestSweepCleansOrphanedIndexEntries tests that index members without a hash are dropped
func TestSweepCleansOrphanedIndexEntries(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	s := NewFromClient(client, "")

	rec := storetest.NewRecord("app1", "sid-42", 1, nil)
	require.NoError(t, s.Insert(ctx, rec))
	mr.Del(s.recordKey(member(rec.Key)))

	n, err := s.DeleteExpired(ctx, rec.Expires)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	members, err := mr.ZMembers(s.expiryKey())
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestMemberIsLengthPrefixed(t *testing.T) {
	assert.Equal(t, "4:app1sid-42", member(types.Key{Application: "app1", SessionID: "sid-42"}))
	assert.Equal(t, "0:sid-42", member(types.Key{SessionID: "sid-42"}))
	assert.NotEqual(t,
		member(types.Key{Application: "shop\x1fadmin", SessionID: "s1"}),
		member(types.Key{Application: "shop", SessionID: "admin\x1fs1"}),
	)
}

// TestSweepRunsInBatches tests that a backlog larger than one batch is fully
// cleared and that live records survive it
func TestSweepRunsInBatches(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	s := NewFromClient(client, "")

	const dead = sweepBatch*2 + 7
	for i := 0; i < dead; i++ {
		require.NoError(t, s.Insert(ctx, storetest.NewRecord("app1", fmt.Sprintf("dead-%d", i), 1, nil)))
	}
	live := storetest.NewRecord("app1", "live", 60, []byte("keep"))
	require.NoError(t, s.Insert(ctx, live))

	n, err := s.DeleteExpired(ctx, storetest.Base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(dead), n)

	members, err := mr.ZMembers(s.expiryKey())
	require.NoError(t, err)
	assert.Equal(t, []string{member(live.Key)}, members)

	got, err := s.Get(ctx, live.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got.Payload)
}
