package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/lockbox/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// the table the adapter applies to, used for local reads
func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the wire command
	cmd, err := types.UnmarshalCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply to the table
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Records: make([][]byte, 0, len(rf.fsm.records)),
		Applied: rf.fsm.applied,
	}

	//records are encoded eagerly, which also deep copies them
	for _, rec := range rf.fsm.records {
		snapshot.Records = append(snapshot.Records, types.MarshalRecord(rec))
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	records := make(map[types.Key]*types.Record, len(snap.Records))
	for _, data := range snap.Records {
		rec, err := types.UnmarshalRecord(data)
		if err != nil {
			return err
		}
		records[rec.Key] = rec
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.records = records
	rf.fsm.applied = snap.Applied

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Records [][]byte `json:"records"`
	Applied uint64   `json:"applied"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
