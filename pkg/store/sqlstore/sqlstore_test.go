package sqlstore

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/store/storetest"
	"github.com/pixperk/lockbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *Store {
	ctx := context.Background()
	s, err := Open(ctx, SQLite, SQLiteDSN(filepath.Join(t.TempDir(), "sessions.db")))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.RunStoreContract(t, func(t *testing.T) store.Store {
		return openSQLite(t)
	})
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("LOCKBOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOCKBOX_TEST_POSTGRES_DSN not set")
	}

	storetest.RunStoreContract(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := Open(ctx, Postgres, dsn)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		_, err = s.DB().ExecContext(ctx, "DELETE FROM sessions")
		require.NoError(t, err)
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	defer s.Close()

	assert.NoError(t, s.Migrate(context.Background()))
}

func TestRebind(t *testing.T) {
	q := "DELETE FROM sessions WHERE app_name = ? AND session_id = ? AND lock_token = ?"

	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t,
		"DELETE FROM sessions WHERE app_name = $1 AND session_id = $2 AND lock_token = $3",
		Postgres.rebind(q),
	)
}

func TestDialectByName(t *testing.T) {
	d, err := DialectByName("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres.Name, d.Name)

	d, err = DialectByName("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, SQLite.Name, d.Name)

	_, err = DialectByName("oracle")
	assert.Error(t, err)
}

func TestConditionSQL(t *testing.T) {
	where, args := conditionSQL(types.Condition{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = conditionSQL(types.WhenAcquirable(storetest.Base))
	assert.Equal(t, " AND locked = ? AND expires > ?", where)
	assert.Equal(t, []any{false, storetest.Base.UnixMilli()}, args)

	where, args = conditionSQL(types.WhenToken(9))
	assert.Equal(t, " AND lock_token = ?", where)
	assert.Equal(t, []any{int64(9)}, args)
}

func TestNormalizeSQLiteDSN(t *testing.T) {
	cases := map[string]string{
		"plain path":      "/tmp/s.db",
		"bare file uri":   "file:/tmp/s.db",
		"deferred txlock": "file:/tmp/s.db?_txlock=deferred",
		"other pragmas":   "file:/tmp/s.db?_pragma=foreign_keys(1)&mode=rwc",
	}

	for name, dsn := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := normalizeSQLiteDSN(dsn)
			require.NoError(t, err)

			path, rawQuery, ok := strings.Cut(got, "?")
			require.True(t, ok)
			assert.Equal(t, "file:/tmp/s.db", path)

			q, err := url.ParseQuery(rawQuery)
			require.NoError(t, err)
			assert.Equal(t, "immediate", q.Get("_txlock"))
			assert.Contains(t, q["_pragma"], "busy_timeout(5000)")
		})
	}

	got, err := normalizeSQLiteDSN("file:/tmp/s.db?_pragma=busy_timeout(250)&_pragma=foreign_keys(1)&mode=rwc")
	require.NoError(t, err)
	q, err := url.ParseQuery(strings.SplitN(got, "?", 2)[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"busy_timeout(250)", "foreign_keys(1)"}, q["_pragma"], "a caller's busy timeout is kept")
	assert.Equal(t, "rwc", q.Get("mode"))

	_, err = normalizeSQLiteDSN("file:/tmp/s.db?%zz")
	assert.Error(t, err)
}

// TestTwoHandlesContend tests that handles opened from a bare file: DSN
// wait for each other instead of failing with SQLITE_BUSY
func TestTwoHandlesContend(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "sessions.db")

	first, err := Open(ctx, SQLite, dsn)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Migrate(ctx))

	second, err := Open(ctx, SQLite, dsn)
	require.NoError(t, err)
	defer second.Close()

	rec := storetest.NewRecord("app1", "x", 20, []byte("state"))
	require.NoError(t, first.Insert(ctx, rec))

	const workers = 20
	handles := []*Store{first, second}

	var mu sync.Mutex
	var wg sync.WaitGroup
	wins := 0
	var errs []error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			res, err := s.Update(ctx, rec.Key, types.WhenAcquirable(storetest.Base), types.AcquireMutation(storetest.Base))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Won() {
				wins++
			}
		}(handles[i%2])
	}
	wg.Wait()

	assert.Empty(t, errs, "contention must be an outcome, not a storage error")
	assert.Equal(t, 1, wins)

	got, err := second.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.True(t, got.Locked)
	assert.Equal(t, uint64(1), got.LockToken)
}
