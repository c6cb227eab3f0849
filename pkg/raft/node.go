// Package raft runs the session table as a replicated state machine. Every
// conditional write is a log entry, so the log order is the arbiter between
// competing writers on any node.
package raft

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/lockbox/pkg/fsm"
	"github.com/pixperk/lockbox/pkg/types"
)

var ErrNotLeader = errors.New("not the raft leader")

const DefaultApplyTimeout = 5 * time.Second

// wraps a raft inst with our fsm and provides a clean api
type Node struct {
	raft    *raft.Raft
	fsm     *fsm.FSM
	storage *LogStorage
	cfg     *Config
}

type Config struct {
	NodeID       uuid.UUID     //unique ID for this node
	BindAddr     string        //net addr to bind Raft communication
	DataDir      string        //data directory for Raft storage
	Bootstrap    bool          //if this is the first node in the cluster
	ApplyTimeout time.Duration //how long a write waits for commit
	Logger       hclog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	raftFSM := fsm.NewRaftFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger.Named("raft")

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	storage, err := NewLogStorage(cfg.DataDir, logger.Named("snapshots"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}

	//port 0 has no advertisable address until the listener picks one
	var advertise net.Addr = addr
	if addr.Port == 0 {
		advertise = nil
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, storage.LogStore, storage.StableStore, storage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		storage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		//a restarted node already has a configuration, that is fine
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			storage.Close()
			return nil, fmt.Errorf("failed to bootstrap: %w", err)
		}
	}

	return &Node{
		raft:    r,
		fsm:     raftFSM.GetFSM(),
		storage: storage,
		cfg:     cfg,
	}, nil
}

// apply a command to the Raft cluster and return the fsm response
func (n *Node) Apply(cmd types.Command) (any, error) {
	data, err := types.MarshalCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w, leader is at %q", ErrNotLeader, n.Leader())
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	//the fsm hands back errors as the response value
	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) Leader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.Leader() != "" {
				return nil
			}
		}
	}
}

// adds a voter, only the leader can change membership
func (n *Node) Join(nodeID, addr string) error {
	if !n.IsLeader() {
		return fmt.Errorf("%w, leader is at %q", ErrNotLeader, n.Leader())
	}
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error()
}

// the local replica of the session table, reads are served from it
func (n *Node) FSM() *fsm.FSM {
	return n.fsm
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// raft's own stats map (state, term, indexes, peers)
func (n *Node) RaftStats() map[string]string {
	return n.raft.Stats()
}

func (n *Node) AppliedIndex() uint64 {
	return n.raft.AppliedIndex()
}

// number of servers in the current configuration
func (n *Node) Peers() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

func (n *Node) LocalAddr() string {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err == nil {
		for _, srv := range future.Configuration().Servers {
			if srv.ID == raft.ServerID(n.cfg.NodeID.String()) {
				return string(srv.Address)
			}
		}
	}
	return n.cfg.BindAddr
}

// gracefully shuts down the Raft node and closes its storage
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return err
	}
	return n.storage.Close()
}
