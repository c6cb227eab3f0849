package raft

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// wraps raft's durable storage
// logstore : raft log entries carrying session commands
// stablestore : term and vote metadata [stable = survives restarts]
// snapshotstore : snapshots of the session table
type LogStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	bolt *raftboltdb.BoltStore
}

const retainSnapshots = 3

func NewLogStorage(dataDir string, logger hclog.Logger) (*LogStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	//one bolt file serves as both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(dataDir, "raft.db"),
	})
	if err != nil {
		return nil, err
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(dataDir, "snapshots"), retainSnapshots, logger)
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &LogStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapshots,
		bolt:          boltDB,
	}, nil
}

func (s *LogStorage) Close() error {
	return s.bolt.Close()
}
