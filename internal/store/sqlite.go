package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/firelink/internal/model"

	_ "modernc.org/sqlite"
)

const createMachinesTable = `
CREATE TABLE IF NOT EXISTS machines (
    id          TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    socket_path TEXT NOT NULL,
    pid         INTEGER NOT NULL DEFAULT 0,
    kernel_path TEXT NOT NULL DEFAULT '',
    rootfs_path TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    ready_at    DATETIME,
    stopped_at  DATETIME
)`

const createMachinesIndex = `CREATE INDEX IF NOT EXISTS machines_created_at ON machines (created_at)`

const machineColumns = `id, state, socket_path, pid, kernel_path, rootfs_path, error,
	created_at, ready_at, stopped_at`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, stmt := range []struct{ name, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create machines table", createMachinesTable},
		{"create machines index", createMachinesIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateMachine inserts a new machine record. A zero CreatedAt is set to now.
func (s *SQLiteStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (`+machineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.State, m.SocketPath, m.PID, m.KernelPath, m.RootfsPath, m.Error,
		m.CreatedAt, m.ReadyAt, m.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row scanner) (*model.Machine, error) {
	m := &model.Machine{}
	err := row.Scan(
		&m.ID, &m.State, &m.SocketPath, &m.PID, &m.KernelPath, &m.RootfsPath, &m.Error,
		&m.CreatedAt, &m.ReadyAt, &m.StoppedAt,
	)
	return m, err
}

// GetMachine retrieves a machine by ID.
func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	m, err := scanMachine(s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return m, nil
}

// ListMachines returns a page of machines, newest first, along with the
// total number of records.
func (s *SQLiteStore) ListMachines(ctx context.Context, limit, offset int) ([]*model.Machine, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM machines").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count machines: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate machines: %w", err)
	}
	return machines, total, nil
}

// UpdateMachineState moves a machine to state. The change must be allowed
// by model.ValidTransition. Entering ready or stopped stamps the matching
// timestamp; a non-empty errMsg replaces the recorded error.
func (s *SQLiteStore) UpdateMachineState(ctx context.Context, id string, state model.State, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current model.State
	err = tx.QueryRowContext(ctx, "SELECT state FROM machines WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read machine state: %w", err)
	}
	if !model.ValidTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	now := time.Now().UTC()
	query := "UPDATE machines SET state = ?"
	args := []any{state}
	switch state {
	case model.StateReady:
		query += ", ready_at = ?"
		args = append(args, now)
	case model.StateStopped:
		query += ", stopped_at = ?"
		args = append(args, now)
	}
	if errMsg != "" {
		query += ", error = ?"
		args = append(args, errMsg)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update machine state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
