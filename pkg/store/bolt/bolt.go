// Package bolt is a single-node durable store on a bbolt file.
//
// Records live in the "sessions" bucket keyed by application and session id
// and encoded with types.MarshalRecord. A second bucket indexes keys by
// expiry so DeleteExpired is a range scan instead of a full table walk.
// bbolt serializes read-write transactions, which makes every conditional
// write atomic for all goroutines sharing the handle.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	sessionsBucket = []byte("sessions")
	expiryBucket   = []byte("expiry")
)


type Store struct {
	db *bolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(expiryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key types.Key) (*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = load(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, rec *types.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		k := recordKey(rec.Key)
		if tx.Bucket(sessionsBucket).Get(k) != nil {
			return fmt.Errorf("%s: %w", rec.Key, types.ErrDuplicateKey)
		}
		return save(tx, nil, rec)
	})
}

func (s *Store) Update(ctx context.Context, key types.Key, cond types.Condition, mut types.Mutation) (store.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return store.UpdateResult{}, err
	}

	var result store.UpdateResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := load(tx, key)
		if err == types.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if !cond.Matches(rec) {
			return nil
		}

		prior := rec.Clone()
		mut.Apply(rec)
		if err := save(tx, prior, rec); err != nil {
			return err
		}

		result = store.UpdateResult{Affected: 1, Prior: prior}
		return nil
	})
	if err != nil {
		return store.UpdateResult{}, err
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, key types.Key) error {
	_, err := s.deleteWhere(ctx, key, nil)
	return err
}

func (s *Store) DeleteIf(ctx context.Context, key types.Key, cond types.Condition) (int64, error) {
	return s.deleteWhere(ctx, key, &cond)
}

func (s *Store) deleteWhere(ctx context.Context, key types.Key, cond *types.Condition) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := load(tx, key)
		if err == types.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if cond != nil && !cond.Matches(rec) {
			return nil
		}
		if err := remove(tx, rec); err != nil {
			return err
		}
		deleted = 1
		return nil
	})
	return deleted, err
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		limit := expiryPrefix(now)
		idx := tx.Bucket(expiryBucket)

		//collect first, bbolt cursors do not tolerate deletes mid-walk
		var dead [][]byte
		c := idx.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) <= 0; k, _ = c.Next() {
			dead = append(dead, append([]byte(nil), k...))
		}

		sessions := tx.Bucket(sessionsBucket)
		for _, k := range dead {
			if err := idx.Delete(k); err != nil {
				return err
			}
			if err := sessions.Delete(k[8:]); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func load(tx *bolt.Tx, key types.Key) (*types.Record, error) {
	data := tx.Bucket(sessionsBucket).Get(recordKey(key))
	if data == nil {
		return nil, types.ErrNotFound
	}
	//bolt memory is only valid inside the transaction, decoding copies it
	return types.UnmarshalRecord(data)
}

// writes rec and moves its expiry index entry away from prior's
func save(tx *bolt.Tx, prior, rec *types.Record) error {
	k := recordKey(rec.Key)
	idx := tx.Bucket(expiryBucket)

	if prior != nil && !prior.Expires.Equal(rec.Expires) {
		if err := idx.Delete(expiryKey(prior.Expires, k)); err != nil {
			return err
		}
	}
	if err := idx.Put(expiryKey(rec.Expires, k), nil); err != nil {
		return err
	}
	return tx.Bucket(sessionsBucket).Put(k, types.MarshalRecord(rec))
}

func remove(tx *bolt.Tx, rec *types.Record) error {
	k := recordKey(rec.Key)
	if err := tx.Bucket(expiryBucket).Delete(expiryKey(rec.Expires, k)); err != nil {
		return err
	}
	return tx.Bucket(sessionsBucket).Delete(k)
}

// uvarint(len(application)) + application + session id
// the length prefix keeps distinct keys distinct whatever bytes they hold
func recordKey(key types.Key) []byte {
	k := make([]byte, 0, binary.MaxVarintLen64+len(key.Application)+len(key.SessionID))
	k = binary.AppendUvarint(k, uint64(len(key.Application)))
	k = append(k, key.Application...)
	k = append(k, key.SessionID...)
	return k
}

// 8 byte big endian millis so byte order is time order
func expiryPrefix(t time.Time) []byte {
	ms := t.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ms))
	return b
}

func expiryKey(t time.Time, recKey []byte) []byte {
	return append(expiryPrefix(t), recKey...)
}
