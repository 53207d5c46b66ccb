package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/fleetlink/internal/retry"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

// contentionPolicy retries writes that hit SQLite lock contention.
var contentionPolicy = retry.Policy{
	MaxAttempts: 3,
	Base:        50 * time.Millisecond,
	Max:         500 * time.Millisecond,
	Jitter:      25 * time.Millisecond,
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	command     TEXT NOT NULL,
	content     TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	timeout_at  INTEGER NOT NULL,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_received ON tasks(received_at);
`

// SQLiteStore keeps the table in a single SQLite table. Save rewrites it in
// one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return err
	}
	var ver int
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_ver'`).Scan(&ver)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_ver', ?)`, SchemaVersion)
		return err
	case err != nil:
		return err
	case ver != SchemaVersion:
		return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, ver, SchemaVersion)
	}
	return nil
}

// Load reads every row.
func (s *SQLiteStore) Load() (types.LedgerData, error) {
	rows, err := s.db.Query(`SELECT id, command, content, account_id, device_id,
		received_at, timeout_at, status, created_at, updated_at FROM tasks`)
	if err != nil {
		return types.LedgerData{}, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	data := emptyData()
	for rows.Next() {
		var (
			r       types.TaskRecord
			command string
			content string
			status  string
		)
		if err := rows.Scan(&r.ID, &command, &content, &r.AccountID, &r.DeviceID,
			&r.ReceivedAt, &r.TimeoutAt, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return types.LedgerData{}, fmt.Errorf("%w: %v", ErrCorruptedLedger, err)
		}
		r.Command = types.Command(command)
		r.Content = []byte(content)
		r.Status = types.TaskStatus(status)
		data.Tasks[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return types.LedgerData{}, fmt.Errorf("scan tasks: %w", err)
	}
	return data, nil
}

// Save replaces every row with data.Tasks.
func (s *SQLiteStore) Save(data types.LedgerData) error {
	return retry.Do(context.Background(), contentionPolicy, func() error {
		err := s.rewrite(data)
		if err != nil && !isTransientSQLiteErr(err) {
			return retry.Permanent(err)
		}
		return err
	}, nil)
}

func (s *SQLiteStore) rewrite(data types.LedgerData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO tasks (id, command, content, account_id, device_id,
		received_at, timeout_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range data.Tasks {
		if _, err := stmt.Exec(r.ID, string(r.Command), string(r.Content), r.AccountID, r.DeviceID,
			r.ReceivedAt, r.TimeoutAt, string(r.Status), r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("insert task %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// isTransientSQLiteErr matches the lock contention errors modernc.org/sqlite
// reports in its messages.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
