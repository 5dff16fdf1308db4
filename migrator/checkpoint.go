package migrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_key        TEXT    NOT NULL,
	table_name     TEXT    NOT NULL,
	row_offset     INTEGER NOT NULL,
	last_rowid     INTEGER NOT NULL,
	status         TEXT    NOT NULL,
	rows_committed INTEGER NOT NULL,
	rows_failed    INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	PRIMARY KEY (run_key, table_name)
);
CREATE TABLE IF NOT EXISTS failed_rows (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_key    TEXT    NOT NULL,
	table_name TEXT    NOT NULL,
	row_id     TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	error      TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS failed_rows_run_table ON failed_rows (run_key, table_name);
CREATE TABLE IF NOT EXISTS run_locks (
	run_key      TEXT    PRIMARY KEY,
	owner        TEXT    NOT NULL,
	host         TEXT    NOT NULL,
	pid          INTEGER NOT NULL,
	acquired_at  INTEGER NOT NULL,
	heartbeat_at INTEGER NOT NULL
);
`

// CheckpointStore persists per-table progress for one source/target pair in a
// local SQLite file. Writes are serialized over a single connection.
type CheckpointStore struct {
	db     *sql.DB
	path   string
	runKey string
	owner  string
	logger *zap.Logger

	mu     sync.Mutex
	locked bool
	now    func() time.Time
}

// OpenCheckpointStore opens or creates the store at path. The store is usable
// for reads right away; call Lock before writing.
func OpenCheckpointStore(ctx context.Context, path, runKey string, logger *zap.Logger) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize checkpoint store %s: %w", path, err)
	}

	return &CheckpointStore{
		db:     db,
		path:   path,
		runKey: runKey,
		owner:  uuid.NewString(),
		logger: logger.With(zap.String("component", "checkpoint_store"), zap.String("run_key", runKey)),
		now:    time.Now,
	}, nil
}

func (s *CheckpointStore) Path() string { return s.path }

// withTransaction executes fn within a transaction, rolling back on error.
func (s *CheckpointStore) withTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed (rollback error: %v): %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Lock claims the run key for this process. A lock held by another owner whose
// heartbeat is younger than ttl yields ConcurrentMigrationError; an older one
// is taken over.
func (s *CheckpointStore) Lock(ctx context.Context, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, _ := os.Hostname()
	now := s.now()

	err := s.withTransaction(ctx, func(tx *sql.Tx) error {
		var owner, lockHost string
		var pid int
		var heartbeat int64
		err := tx.QueryRowContext(ctx,
			"SELECT owner, host, pid, heartbeat_at FROM run_locks WHERE run_key = ?", s.runKey,
		).Scan(&owner, &lockHost, &pid, &heartbeat)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case owner == s.owner:
		default:
			age := now.Sub(time.Unix(0, heartbeat))
			if age < ttl {
				return &ConcurrentMigrationError{RunKey: s.runKey, Owner: owner, Host: lockHost, PID: pid}
			}
			s.logger.Warn("taking over stale migration lock",
				zap.String("previous_owner", owner),
				zap.String("previous_host", lockHost),
				zap.Int("previous_pid", pid),
				zap.Duration("age", age),
			)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_locks (run_key, owner, host, pid, acquired_at, heartbeat_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_key) DO UPDATE SET
				owner = excluded.owner, host = excluded.host, pid = excluded.pid,
				acquired_at = excluded.acquired_at, heartbeat_at = excluded.heartbeat_at
		`, s.runKey, s.owner, host, os.Getpid(), now.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		return err
	}

	s.locked = true
	s.logger.Debug("acquired migration lock", zap.String("owner", s.owner))
	return nil
}

// Load returns the checkpoint for table, if one was saved.
func (s *CheckpointStore) Load(ctx context.Context, table string) (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := Checkpoint{Table: table}
	var status string
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT row_offset, last_rowid, status, rows_committed, rows_failed, updated_at
		FROM checkpoints WHERE run_key = ? AND table_name = ?
	`, s.runKey, table).Scan(&cp.Position.Offset, &cp.Position.LastRowID, &status, &cp.RowsCommitted, &cp.RowsFailed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, false, nil
	}
	if err != nil {
		return cp, false, fmt.Errorf("load checkpoint for %s: %w", table, err)
	}
	cp.Status = TableStatus(status)
	cp.UpdatedAt = time.Unix(0, updated)
	return cp, true, nil
}

// refreshLock bumps this owner's heartbeat. When another process took the
// lock over, it returns ConcurrentMigrationError and the store stops writing.
func (s *CheckpointStore) refreshLock(ctx context.Context, tx *sql.Tx, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE run_locks SET heartbeat_at = ? WHERE run_key = ? AND owner = ?",
		now.UnixNano(), s.runKey, s.owner)
	if err != nil {
		return fmt.Errorf("refresh migration lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh migration lock: %w", err)
	}
	if n == 1 {
		return nil
	}

	lost := &ConcurrentMigrationError{RunKey: s.runKey}
	err = tx.QueryRowContext(ctx, "SELECT owner, host, pid FROM run_locks WHERE run_key = ?", s.runKey).
		Scan(&lost.Owner, &lost.Host, &lost.PID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read migration lock: %w", err)
	}
	s.locked = false
	s.logger.Error("migration lock lost", zap.String("owner", lost.Owner), zap.String("host", lost.Host), zap.Int("pid", lost.PID))
	return lost
}

// Heartbeat refreshes the lock without saving progress.
func (s *CheckpointStore) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		return errors.New("checkpoint store is not locked")
	}
	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		return s.refreshLock(ctx, tx, s.now())
	})
}

// KeepAlive refreshes the lock every interval until the returned stop
// function is called or the lock is lost.
func (s *CheckpointStore) KeepAlive(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := s.Heartbeat(ctx)
				var lost *ConcurrentMigrationError
				if errors.As(err, &lost) {
					return
				}
				if err != nil && ctx.Err() == nil {
					s.logger.Warn("failed to refresh migration lock", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Save durably records cp together with the rows it consumed as failures, and
// refreshes the lock heartbeat. It fails with ConcurrentMigrationError once
// another process has taken the lock over.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint, failed []FailedRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		return errors.New("checkpoint store is not locked")
	}
	now := s.now()

	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.refreshLock(ctx, tx, now); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (run_key, table_name, row_offset, last_rowid, status, rows_committed, rows_failed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_key, table_name) DO UPDATE SET
				row_offset = excluded.row_offset, last_rowid = excluded.last_rowid, status = excluded.status,
				rows_committed = excluded.rows_committed, rows_failed = excluded.rows_failed,
				updated_at = excluded.updated_at
		`, s.runKey, cp.Table, cp.Position.Offset, cp.Position.LastRowID, string(cp.Status),
			cp.RowsCommitted, cp.RowsFailed, now.UnixNano())
		if err != nil {
			return fmt.Errorf("save checkpoint for %s: %w", cp.Table, err)
		}

		for _, row := range failed {
			payload, err := json.Marshal(row.Payload)
			if err != nil {
				return fmt.Errorf("encode failed row payload: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO failed_rows (run_key, table_name, row_id, payload, error, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, s.runKey, row.Table, row.RowID, string(payload), row.Error, now.UnixNano())
			if err != nil {
				return fmt.Errorf("save failed row: %w", err)
			}
		}
		return nil
	})
}

// Reset forgets all progress and failed rows for the run key.
func (s *CheckpointStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		return errors.New("checkpoint store is not locked")
	}
	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.refreshLock(ctx, tx, s.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM checkpoints WHERE run_key = ?", s.runKey); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM failed_rows WHERE run_key = ?", s.runKey)
		return err
	})
}

// FailedRows returns catalogued failed rows in the order they were recorded.
// An empty table returns rows of every table.
func (s *CheckpointStore) FailedRows(ctx context.Context, table string) ([]FailedRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT table_name, row_id, payload, error FROM failed_rows WHERE run_key = ?"
	args := []any{s.runKey}
	if table != "" {
		query += " AND table_name = ?"
		args = append(args, table)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedRow
	for rows.Next() {
		var row FailedRow
		var payload string
		if err := rows.Scan(&row.Table, &row.RowID, &payload, &row.Error); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &row.Payload); err != nil {
			return nil, fmt.Errorf("decode failed row payload: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the lock, if held, and closes the file.
func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		_, err := s.db.Exec("DELETE FROM run_locks WHERE run_key = ? AND owner = ?", s.runKey, s.owner)
		if err != nil {
			s.logger.Warn("failed to release migration lock", zap.Error(err))
		}
		s.locked = false
	}
	return s.db.Close()
}
