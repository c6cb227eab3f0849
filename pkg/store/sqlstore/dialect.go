package sqlstore

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// differences between the supported SQL engines
type Dialect struct {
	Name   string
	Driver string

	// numbered $n placeholders instead of ?
	numbered bool
	// appended to the row read inside a conditional update
	lockSuffix string
	schema     []string
}

var Postgres = Dialect{
	Name:       "postgres",
	Driver:     "postgres",
	numbered:   true,
	lockSuffix: " FOR UPDATE",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
    app_name VARCHAR(255) NOT NULL,
    session_id VARCHAR(80) NOT NULL,
    created BIGINT NOT NULL,
    expires BIGINT NOT NULL,
    lock_date BIGINT NOT NULL,
    lock_token BIGINT NOT NULL DEFAULT 0,
    timeout_minutes INTEGER NOT NULL,
    locked BOOLEAN NOT NULL DEFAULT FALSE,
    payload BYTEA,
    action_flags INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (app_name, session_id)
)`,
		`CREATE INDEX IF NOT EXISTS sessions_expires_idx ON sessions (expires)`,
	},
}

// sqlite serializes writers per database file, the store opens it with
// immediate transactions so the read inside an update holds the write lock
var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sessions (
    app_name TEXT NOT NULL,
    session_id TEXT NOT NULL,
    created INTEGER NOT NULL,
    expires INTEGER NOT NULL,
    lock_date INTEGER NOT NULL,
    lock_token INTEGER NOT NULL DEFAULT 0,
    timeout_minutes INTEGER NOT NULL,
    locked BOOLEAN NOT NULL DEFAULT 0,
    payload BLOB,
    action_flags INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (app_name, session_id)
)`,
		`CREATE INDEX IF NOT EXISTS sessions_expires_idx ON sessions (expires)`,
	},
}

func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
}

// rewrites ? placeholders for engines that number them
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLiteDSN builds a modernc sqlite DSN for a database file.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// normalizeSQLiteDSN forces the settings conditional writes rely on into
// any sqlite DSN: immediate transactions take the write lock before the
// row read, and a busy timeout makes a second handle wait for it instead of
// failing with SQLITE_BUSY. Plain paths become file: URIs.
func normalizeSQLiteDSN(dsn string) (string, error) {
	name, rawQuery, _ := strings.Cut(dsn, "?")
	if !strings.HasPrefix(name, "file:") {
		name = "file:" + name
	}

	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("invalid sqlite dsn query: %w", err)
	}

	q.Set("_txlock", "immediate")

	hasBusyTimeout := false
	for _, p := range q["_pragma"] {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(p)), "busy_timeout") {
			hasBusyTimeout = true
			break
		}
	}
	if !hasBusyTimeout {
		q.Add("_pragma", "busy_timeout(5000)")
	}

	return name + "?" + q.Encode(), nil
}
