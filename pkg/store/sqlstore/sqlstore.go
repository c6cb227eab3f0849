// Package sqlstore keeps session records in a relational table.
//
// Conditional deletes are single statements whose row count is the result.
// Conditional updates read the row under a write lock, compute the new row
// and write it back with the same predicate in the WHERE clause, so the
// reported row count still comes from the database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/types"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const columns = "app_name, session_id, created, expires, lock_date, lock_token, timeout_minutes, locked, payload, action_flags"

type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// Open connects with the dialect's driver. sqlite DSNs, plain paths
// included, always get immediate transactions and a busy timeout. It does
// not create the schema, call Migrate for that.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	if dialect.Name == SQLite.Name {
		normalized, err := normalizeSQLiteDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}

	if dialect.Name == SQLite.Name {
		//one writer per file anyway, a single connection avoids busy errors
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	return &Store{db: db, dialect: dialect}, nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate creates the sessions table and its expiry index when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key types.Key) (*types.Record, error) {
	q := s.dialect.rebind("SELECT " + columns + " FROM sessions WHERE app_name = ? AND session_id = ?")
	return scanRecord(s.db.QueryRowContext(ctx, q, key.Application, key.SessionID))
}

func (s *Store) Insert(ctx context.Context, rec *types.Record) error {
	q := s.dialect.rebind("INSERT INTO sessions (" + columns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) " +
		"ON CONFLICT (app_name, session_id) DO NOTHING")

	res, err := s.db.ExecContext(ctx, q, recordArgs(rec)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", rec.Key, types.ErrDuplicateKey)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, key types.Key, cond types.Condition, mut types.Mutation) (store.UpdateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.UpdateResult{}, err
	}
	defer tx.Rollback()

	sel := s.dialect.rebind("SELECT " + columns + " FROM sessions WHERE app_name = ? AND session_id = ?" + s.dialect.lockSuffix)
	prior, err := scanRecord(tx.QueryRowContext(ctx, sel, key.Application, key.SessionID))
	if errors.Is(err, types.ErrNotFound) {
		return store.UpdateResult{}, tx.Commit()
	}
	if err != nil {
		return store.UpdateResult{}, err
	}
	if !cond.Matches(prior) {
		return store.UpdateResult{}, tx.Commit()
	}

	next := prior.Clone()
	mut.Apply(next)

	where, whereArgs := conditionSQL(cond)
	upd := s.dialect.rebind("UPDATE sessions SET expires = ?, lock_date = ?, lock_token = ?, timeout_minutes = ?, " +
		"locked = ?, payload = ?, action_flags = ? WHERE app_name = ? AND session_id = ?" + where)

	args := []any{
		next.Expires.UnixMilli(),
		next.LockDate.UnixMilli(),
		int64(next.LockToken),
		next.TimeoutMinutes,
		next.Locked,
		next.Payload,
		int(next.ActionFlags),
		key.Application,
		key.SessionID,
	}
	res, err := tx.ExecContext(ctx, upd, append(args, whereArgs...)...)
	if err != nil {
		return store.UpdateResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.UpdateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.UpdateResult{}, err
	}

	if n == 0 {
		return store.UpdateResult{}, nil
	}
	return store.UpdateResult{Affected: n, Prior: prior}, nil
}

func (s *Store) Delete(ctx context.Context, key types.Key) error {
	_, err := s.DeleteIf(ctx, key, types.Condition{})
	return err
}

func (s *Store) DeleteIf(ctx context.Context, key types.Key, cond types.Condition) (int64, error) {
	where, whereArgs := conditionSQL(cond)
	q := s.dialect.rebind("DELETE FROM sessions WHERE app_name = ? AND session_id = ?" + where)

	res, err := s.db.ExecContext(ctx, q, append([]any{key.Application, key.SessionID}, whereArgs...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	q := s.dialect.rebind("DELETE FROM sessions WHERE expires <= ?")

	res, err := s.db.ExecContext(ctx, q, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// renders the predicate as extra AND terms
func conditionSQL(c types.Condition) (string, []any) {
	var (
		terms []string
		args  []any
	)
	if c.Unlocked {
		terms = append(terms, "locked = ?")
		args = append(args, false)
	}
	if !c.LiveAt.IsZero() {
		terms = append(terms, "expires > ?")
		args = append(args, c.LiveAt.UnixMilli())
	}
	if !c.DeadAt.IsZero() {
		terms = append(terms, "expires <= ?")
		args = append(args, c.DeadAt.UnixMilli())
	}
	if c.LockToken != nil {
		terms = append(terms, "lock_token = ?")
		args = append(args, int64(*c.LockToken))
	}

	if len(terms) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(terms, " AND "), args
}

func recordArgs(rec *types.Record) []any {
	return []any{
		rec.Application,
		rec.SessionID,
		rec.Created.UnixMilli(),
		rec.Expires.UnixMilli(),
		rec.LockDate.UnixMilli(),
		int64(rec.LockToken),
		rec.TimeoutMinutes,
		rec.Locked,
		rec.Payload,
		int(rec.ActionFlags),
	}
}

func scanRecord(row *sql.Row) (*types.Record, error) {
	var (
		rec                        types.Record
		created, expires, lockDate int64
		token                      int64
		flags                      int
	)
	err := row.Scan(
		&rec.Application,
		&rec.SessionID,
		&created,
		&expires,
		&lockDate,
		&token,
		&rec.TimeoutMinutes,
		&rec.Locked,
		&rec.Payload,
		&flags,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Created = time.UnixMilli(created).UTC()
	rec.Expires = time.UnixMilli(expires).UTC()
	rec.LockDate = time.UnixMilli(lockDate).UTC()
	rec.LockToken = uint64(token)
	rec.ActionFlags = types.ActionFlags(flags)
	return &rec, nil
}
