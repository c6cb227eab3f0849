package types

import "time"

// type of FSM command
type CommandType uint

const (
	CommandTypeInsert CommandType = iota + 1
	CommandTypeUpdate
	CommandTypeDelete
	CommandTypeSweep
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeInsert:
		return "insert"
	case CommandTypeUpdate:
		return "update"
	case CommandTypeDelete:
		return "delete"
	case CommandTypeSweep:
		return "sweep"
	default:
		return "unknown"
	}
}

// interface all FSM commands implement
// commands carry the caller's clock reading so that every replica evaluates
// the same predicate
type Command interface {
	Type() CommandType
}

// inserts a record, fails if the key exists
type InsertCmd struct {
	Record *Record
}

func (c InsertCmd) Type() CommandType { return CommandTypeInsert }

// conditional update
type UpdateCmd struct {
	Key  Key
	Cond Condition
	Mut  Mutation
}

func (c UpdateCmd) Type() CommandType { return CommandTypeUpdate }

// deletes a record, conditionally when Cond is set
type DeleteCmd struct {
	Key  Key
	Cond *Condition
}

func (c DeleteCmd) Type() CommandType { return CommandTypeDelete }

// deletes every record dead at Now (internal, issued by the sweeper)
type SweepCmd struct {
	Now time.Time
}

func (c SweepCmd) Type() CommandType { return CommandTypeSweep }
