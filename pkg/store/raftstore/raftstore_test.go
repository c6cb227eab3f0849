package raftstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/lockbox/pkg/raft"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/store/storetest"
	"github.com/pixperk/lockbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSingleNode(t *testing.T) *raft.Node {
	node, err := raft.NewNode(&raft.Config{
		NodeID:    uuid.New(),
		BindAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	})
	require.NoError(t, err)
	require.NoError(t, node.WaitForLeader(5*time.Second))
	return node
}

func TestRaftStoreContract(t *testing.T) {
	storetest.RunStoreContract(t, func(t *testing.T) store.Store {
		return New(newSingleNode(t), true)
	})
}

// TestWritesAreLogEntries tests that every store write advances the raft log
func TestWritesAreLogEntries(t *testing.T) {
	ctx := context.Background()
	node := newSingleNode(t)
	s := New(node, true)
	defer s.Close()

	before := node.AppliedIndex()

	rec := storetest.NewRecord("app1", "sid-42", 20, []byte("abc"))
	require.NoError(t, s.Insert(ctx, rec))
	_, err := s.Update(ctx, rec.Key, types.WhenAcquirable(storetest.Base), types.AcquireMutation(storetest.Base))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, node.AppliedIndex(), before+2)
	assert.Equal(t, 1, node.Stats().Locked)
}

func TestCanceledContext(t *testing.T) {
	s := New(newSingleNode(t), true)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Insert(ctx, storetest.NewRecord("app1", "sid-42", 20, nil))
	assert.ErrorIs(t, err, context.Canceled)
}
