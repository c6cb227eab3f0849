package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/pixperk/lockbox/pkg/types"
)

// manages the session table
// critical :
// - a command is evaluated and applied under one lock, so a conditional
//   write sees exactly one before/after state
// - the (application, session id) key is unique
// - commands carry their own clock reading, Apply never reads the clock
type FSM struct {
	mu sync.RWMutex

	records map[types.Key]*types.Record // key -> record

	applied uint64 // commands applied, for stats
}

func NewFSM() *FSM {
	return &FSM{
		records: make(map[types.Key]*types.Record),
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied++

	switch c := cmd.(type) {
	case types.InsertCmd:
		return f.applyInsert(c)
	case types.UpdateCmd:
		return f.applyUpdate(c)
	case types.DeleteCmd:
		return f.applyDelete(c)
	case types.SweepCmd:
		return f.applySweep(c)
	default:
		return nil, fmt.Errorf("%w: %T", types.ErrUnknownCommand, cmd)
	}
}

// returned when an insert is applied
type InsertResponse struct {
	Inserted bool
}

func (f *FSM) applyInsert(cmd types.InsertCmd) (any, error) {
	if cmd.Record == nil {
		return nil, fmt.Errorf("insert: %w", types.ErrMalformedRecord)
	}

	//the caller purges dead collisions first, a live or dead row both block
	if _, exists := f.records[cmd.Record.Key]; exists {
		return InsertResponse{Inserted: false}, nil
	}

	f.records[cmd.Record.Key] = cmd.Record.Clone()

	return InsertResponse{Inserted: true}, nil
}

// returned when a conditional update is applied
// prior is the row before the mutation, nil when nothing matched
type UpdateResponse struct {
	Affected int64
	Prior    *types.Record
}

func (f *FSM) applyUpdate(cmd types.UpdateCmd) (any, error) {
	rec, exists := f.records[cmd.Key]
	if !exists || !cmd.Cond.Matches(rec) {
		return UpdateResponse{Affected: 0}, nil
	}

	prior := rec.Clone()
	cmd.Mut.Apply(rec)

	return UpdateResponse{
		Affected: 1,
		Prior:    prior,
	}, nil
}

// returned when a delete is applied
type DeleteResponse struct {
	Deleted int64
}

func (f *FSM) applyDelete(cmd types.DeleteCmd) (any, error) {
	rec, exists := f.records[cmd.Key]
	if !exists {
		return DeleteResponse{Deleted: 0}, nil
	}

	if cmd.Cond != nil && !cmd.Cond.Matches(rec) {
		return DeleteResponse{Deleted: 0}, nil
	}

	delete(f.records, cmd.Key)

	return DeleteResponse{Deleted: 1}, nil
}

// returned when a sweep is applied
type SweepResponse struct {
	Deleted int64
}

func (f *FSM) applySweep(cmd types.SweepCmd) (any, error) {
	var deleted int64
	for key, rec := range f.records {
		if rec.IsExpired(cmd.Now) {
			delete(f.records, key)
			deleted++
		}
	}

	return SweepResponse{Deleted: deleted}, nil
}

// returns a copy of the record stored at key
func (f *FSM) Get(key types.Key) (*types.Record, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, exists := f.records[key]
	if !exists {
		return nil, false
	}
	return rec.Clone(), true
}

// current fsm stats
type Stats struct {
	Records int
	Locked  int
	Applied uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	locked := 0
	for _, rec := range f.records {
		if rec.Locked {
			locked++
		}
	}

	return Stats{
		Records: len(f.records),
		Locked:  locked,
		Applied: f.applied,
	}
}

// returns the keys of all records dead at now
func (f *FSM) ExpiredKeys(now time.Time) []types.Key {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var expired []types.Key
	for key, rec := range f.records {
		if rec.IsExpired(now) {
			expired = append(expired, key)
		}
	}

	return expired
}
