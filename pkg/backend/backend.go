// Package backend opens the record store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/lockbox/pkg/config"
	"github.com/pixperk/lockbox/pkg/logging"
	"github.com/pixperk/lockbox/pkg/raft"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/store/bolt"
	"github.com/pixperk/lockbox/pkg/store/memory"
	"github.com/pixperk/lockbox/pkg/store/raftstore"
	"github.com/pixperk/lockbox/pkg/store/redis"
	"github.com/pixperk/lockbox/pkg/store/sqlstore"
)

const leaderWait = 10 * time.Second

// Backend is an open store plus the raft node behind it, if any.
type Backend struct {
	Name  string
	Store store.Store
	Node  *raft.Node
}

func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	b := &Backend{Name: cfg.Backend}

	switch cfg.Backend {
	case config.BackendMemory:
		b.Store = memory.New()

	case config.BackendBolt:
		s, err := bolt.Open(cfg.Bolt.Path)
		if err != nil {
			return nil, err
		}
		b.Store = s

	case config.BackendRedis:
		s, err := redis.New(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		b.Store = s

	case config.BackendSQL:
		dialect, err := sqlstore.DialectByName(cfg.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		s, err := sqlstore.Open(ctx, dialect, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		b.Store = s

	case config.BackendRaft:
		node, err := openRaft(cfg)
		if err != nil {
			return nil, err
		}
		b.Node = node
		b.Store = raftstore.New(node, true)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	logger.Info("backend opened", "backend", b.Name)
	return b, nil
}

// Migrate provisions the schema for backends that have one.
func (b *Backend) Migrate(ctx context.Context) (bool, error) {
	s, ok := b.Store.(*sqlstore.Store)
	if !ok {
		return false, nil
	}
	return true, s.Migrate(ctx)
}

func (b *Backend) Close() error {
	return b.Store.Close()
}

func openRaft(cfg *config.Config) (*raft.Node, error) {
	nodeID := uuid.New()
	if cfg.Raft.NodeID != "" {
		id, err := uuid.Parse(cfg.Raft.NodeID)
		if err != nil {
			return nil, fmt.Errorf("invalid raft node id: %w", err)
		}
		nodeID = id
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)

	node, err := raft.NewNode(&raft.Config{
		NodeID:       nodeID,
		BindAddr:     cfg.Raft.BindAddr,
		DataDir:      cfg.Raft.DataDir,
		Bootstrap:    cfg.Raft.Bootstrap,
		ApplyTimeout: cfg.Raft.ApplyTimeout,
		Logger:       logging.NewHCLogger(level, cfg.Log.Format),
	})
	if err != nil {
		return nil, err
	}

	//a joining node has no leader until someone adds it
	if cfg.Raft.Bootstrap {
		if err := node.WaitForLeader(leaderWait); err != nil {
			node.Shutdown()
			return nil, err
		}
	}
	return node, nil
}
