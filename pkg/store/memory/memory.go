// Package memory is an in-process store backed by the session table FSM.
// It is the backend used by tests and single-process deployments that do
// not need durability.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/pixperk/lockbox/pkg/fsm"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/types"
)

type Store struct {
	fsm *fsm.FSM
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{fsm: fsm.NewFSM()}
}

// FSM exposes the underlying table for stats.
func (s *Store) FSM() *fsm.FSM {
	return s.fsm
}

func (s *Store) Get(ctx context.Context, key types.Key) (*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.fsm.Get(key)
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
	return nil
}

func (s *Store) apply(ctx context.Context, cmd types.Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fsm.Apply(cmd)
}
