package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Schema for the statements table.
const Schema = `
CREATE TABLE IF NOT EXISTS statements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session TEXT NOT NULL,
	statement TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_statements_session ON statements(session);
CREATE INDEX IF NOT EXISTS idx_statements_ts ON statements(timestamp);
`

// SQLiteLog stores statements in a SQLite database.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory log.
func OpenSQLite(path string) (*SQLiteLog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("history: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 10000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: %s: %w", p, err)
		}
	}
	l := &SQLiteLog{db: db, now: time.Now}
	if err := l.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Init creates the statements table if it doesn't exist.
func (l *SQLiteLog) Init() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return fmt.Errorf("history: schema: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Record(session, statement string) error {
	_, err := l.db.Exec(
		`INSERT INTO statements (session, statement, timestamp) VALUES (?, ?, ?)`,
		session, statement, l.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Entries returns recorded statements oldest first. An empty session
// returns all sessions; limit <= 0 means no limit, otherwise the latest
// limit entries are returned.
func (l *SQLiteLog) Entries(session string, limit int) ([]Entry, error) {
	query := `SELECT id, session, statement, timestamp FROM statements`
	var args []any
	if session != "" {
		query += ` WHERE session = ?`
		args = append(args, session)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Session, &e.Statement, &ts); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Time = time.Unix(0, ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Sessions returns the distinct session ids, most recent first.
func (l *SQLiteLog) Sessions() ([]string, error) {
	rows, err := l.db.Query(`SELECT session FROM statements GROUP BY session ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
