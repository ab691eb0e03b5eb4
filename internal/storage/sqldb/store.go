package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/chatops-gateway/internal/permission"
	"github.com/tjfontaine/chatops-gateway/internal/storage"
	"github.com/tjfontaine/chatops-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of the permission store and the run
// history that supports multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var (
	_ permission.Admin = (*Store)(nil)
	_ storage.RunStore = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.ForDriver(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.Pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// NewFromDB wraps an open connection without touching the schema.
func NewFromDB(db *sql.DB, driver string) (*Store, error) {
	d, err := dialect.ForDriver(driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}
	return &Store{db: sqlx.NewDb(db, d.Driver), dialect: d, now: time.Now}, nil
}

func (s *Store) initSchema() error {
	ts := s.dialect.Timestamp
	statements := []string{
		`CREATE TABLE IF NOT EXISTS principals (
user_name TEXT PRIMARY KEY,
created_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS permissions (
user_name TEXT NOT NULL,
action TEXT NOT NULL,
created_at ` + ts + ` NOT NULL,
PRIMARY KEY (user_name, action),
FOREIGN KEY (user_name) REFERENCES principals(user_name) ON DELETE CASCADE
)`,
		`CREATE TABLE IF NOT EXISTS runs (
id TEXT PRIMARY KEY,
action TEXT NOT NULL,
action_base TEXT NOT NULL,
channel_id TEXT NOT NULL,
user_name TEXT NOT NULL,
message_channel TEXT NOT NULL DEFAULT '',
message_ts TEXT NOT NULL DEFAULT '',
input TEXT NOT NULL DEFAULT '',
phase TEXT NOT NULL,
detail TEXT NOT NULL DEFAULT '',
started_at ` + ts + ` NOT NULL,
finished_at ` + ts + `
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, userName string) (*permission.Principal, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists, s.dialect.Rebind(`SELECT COUNT(*) FROM principals WHERE user_name = ?`), userName)
	if err != nil {
		return nil, fmt.Errorf("failed to query principal: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", permission.ErrUserNotFound, userName)
	}

	var actions []string
	err = s.db.SelectContext(ctx, &actions,
		s.dialect.Rebind(`SELECT action FROM permissions WHERE user_name = ? ORDER BY action`), userName)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	return permission.NewPrincipal(userName, actions...), nil
}

// Grant creates the user if needed and adds the given actions. Granting
// no actions registers a user who may only open the welcome menu.
func (s *Store) Grant(ctx context.Context, userName string, actions ...string) error {
	if userName == "" {
		return fmt.Errorf("user name cannot be empty")
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertPrincipal := s.dialect.Rebind(`INSERT INTO principals (user_name, created_at) VALUES (?, ?) ` +
		s.dialect.InsertIgnore("user_name"))
	if _, err := tx.ExecContext(ctx, insertPrincipal, userName, now); err != nil {
		return fmt.Errorf("failed to insert principal: %w", err)
	}

	insertPermission := s.dialect.Rebind(`INSERT INTO permissions (user_name, action, created_at) VALUES (?, ?, ?) ` +
		s.dialect.InsertIgnore("user_name", "action"))
	for _, a := range actions {
		if a == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, insertPermission, userName, a, now); err != nil {
			return fmt.Errorf("failed to grant %s: %w", a, err)
		}
	}

	return tx.Commit()
}

// Revoke removes the given actions, or the user entirely when none are given.
func (s *Store) Revoke(ctx context.Context, userName string, actions ...string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, s.dialect.Rebind(`SELECT COUNT(*) FROM principals WHERE user_name = ?`), userName); err != nil {
		return fmt.Errorf("failed to query principal: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", permission.ErrUserNotFound, userName)
	}

	if len(actions) == 0 {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM permissions WHERE user_name = ?`), userName); err != nil {
			return fmt.Errorf("failed to delete permissions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM principals WHERE user_name = ?`), userName); err != nil {
			return fmt.Errorf("failed to delete principal: %w", err)
		}
		return tx.Commit()
	}

	query := s.dialect.Rebind(`DELETE FROM permissions WHERE user_name = ? AND action = ?`)
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, query, userName, a); err != nil {
			return fmt.Errorf("failed to revoke %s: %w", a, err)
		}
	}
	return tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]*permission.Principal, error) {
	var users []string
	if err := s.db.SelectContext(ctx, &users, `SELECT user_name FROM principals ORDER BY user_name`); err != nil {
		return nil, fmt.Errorf("failed to query principals: %w", err)
	}

	var rows []struct {
		UserName string `db:"user_name"`
		Action   string `db:"action"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT user_name, action FROM permissions ORDER BY user_name, action`); err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}

	byUser := make(map[string][]string, len(users))
	for _, r := range rows {
		byUser[r.UserName] = append(byUser[r.UserName], r.Action)
	}

	out := make([]*permission.Principal, 0, len(users))
	for _, u := range users {
		out = append(out, permission.NewPrincipal(u, byUser[u]...))
	}
	return out, nil
}

const runColumns = `id, action, action_base, channel_id, user_name, message_channel, message_ts, input, phase, detail, started_at, finished_at`

func (s *Store) RecordStart(ctx context.Context, run *storage.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now().UTC()
	}
	query := s.dialect.Rebind(`INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Action, run.ActionBase, run.ChannelID, run.UserName,
		run.MessageChannel, run.MessageTS, run.Input, run.Phase, run.Detail,
		run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

func (s *Store) RecordFinish(ctx context.Context, run *storage.Run) error {
	if run.FinishedAt == nil {
		now := s.now().UTC()
		run.FinishedAt = &now
	}
	query := s.dialect.Rebind(`UPDATE runs SET phase = ?, detail = ?, finished_at = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, run.Phase, run.Detail, *run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	var run storage.Run
	err := s.db.GetContext(ctx, &run, s.dialect.Rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*storage.Run, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	var runs []*storage.Run
	err := s.db.SelectContext(ctx, &runs,
		s.dialect.Rebind(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return runs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
