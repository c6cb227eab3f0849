// Package raftstore serves the Store contract from a Raft replicated
// session table. Writes are committed through the leader's log and applied
// by the state machine on every node; reads come from the local replica and
// may lag the leader on followers.
package raftstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pixperk/lockbox/pkg/fsm"
	"github.com/pixperk/lockbox/pkg/raft"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/types"
)

// ErrNotLeader is returned for writes submitted to a follower.
var ErrNotLeader = raft.ErrNotLeader

type Store struct {
	node     *raft.Node
	ownsNode bool
}

var _ store.Store = (*Store)(nil)

// New serves the store from node. Close shuts the node down when owned is
// true.
func New(node *raft.Node, owned bool) *Store {
	return &Store{node: node, ownsNode: owned}
}

func (s *Store) Node() *raft.Node {
	return s.node
}

func (s *Store) Get(ctx context.Context, key types.Key) (*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.node.FSM().Get(key)
	if !ok {
		return nil, types.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, rec *types.Record) error {
	resp, err := s.apply(ctx, types.InsertCmd{Record: rec})
	if err != nil {
		return err
	}
	if !resp.(fsm.InsertResponse).Inserted {
		return fmt.Errorf("%s: %w", rec.Key, types.ErrDuplicateKey)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, key types.Key, cond types.Condition, mut types.Mutation) (store.UpdateResult, error) {
	resp, err := s.apply(ctx, types.UpdateCmd{Key: key, Cond: cond, Mut: mut})
	if err != nil {
		return store.UpdateResult{}, err
	}
	u := resp.(fsm.UpdateResponse)
	return store.UpdateResult{Affected: u.Affected, Prior: u.Prior}, nil
}

func (s *Store) Delete(ctx context.Context, key types.Key) error {
	_, err := s.apply(ctx, types.DeleteCmd{Key: key})
	return err
}

func (s *Store) DeleteIf(ctx context.Context, key types.Key, cond types.Condition) (int64, error) {
	resp, err := s.apply(ctx, types.DeleteCmd{Key: key, Cond: &cond})
	if err != nil {
		return 0, err
	}
	return resp.(fsm.DeleteResponse).Deleted, nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	resp, err := s.apply(ctx, types.SweepCmd{Now: now})
	if err != nil {
		return 0, err
	}
	return resp.(fsm.SweepResponse).Deleted, nil
}

func (s *Store) Close() error {
	if s.ownsNode {
		return s.node.Shutdown()
	}
	return nil
}

func (s *Store) apply(ctx context.Context, cmd types.Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.node.Apply(cmd)
}
