package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// DB is the SQLite-backed Store
type DB struct {
	path string
	init lazyOpen
	mu   sync.RWMutex
	conn *sql.DB
}

// New creates a store for the database at dbPath. Nothing is opened until
// the first call that needs the database.
func New(dbPath string) *DB {
	if dbPath == "" {
		dbPath = MemoryPath
	}
	return &DB{path: dbPath}
}

// OpenOrCreate opens the database and initializes the schema
func (db *DB) OpenOrCreate(ctx context.Context) error {
	err := db.init.do(func() error {
		conn, err := sql.Open("sqlite", db.path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// One connection: SQLite has a single writer, and an in-memory
		// database only lives as long as its connection.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)

		if err := conn.PingContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("failed to ping database: %w", err)
		}

		if err := initSchema(ctx, conn); err != nil {
			conn.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		db.mu.Lock()
		db.conn = conn
		db.mu.Unlock()
		return nil
	})
	if err != nil {
		return apperrors.Storage("failed to open queue store", err)
	}
	return nil
}

// initSchema creates the database schema
func initSchema(ctx context.Context, conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_entries (
		id TEXT PRIMARY KEY,
		op_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		project_context TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_entries_status ON queue_entries(status);
	CREATE INDEX IF NOT EXISTS idx_queue_entries_enqueued_at ON queue_entries(enqueued_at);
	`

	_, err := conn.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	db.init.reset()
	return err
}

func (db *DB) open(ctx context.Context) (*sql.DB, error) {
	if err := db.OpenOrCreate(ctx); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return nil, apperrors.New(apperrors.ErrStorage, "queue store is closed")
	}
	return db.conn, nil
}

// Put inserts or replaces an entry
func (db *DB) Put(ctx context.Context, entry models.QueueEntry) error {
	conn, err := db.open(ctx)
	if err != nil {
		return err
	}

	payload, err := encodePayload(entry.Operation)
	if err != nil {
		return apperrors.Storage("failed to encode operation", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO queue_entries
			(id, op_type, payload, enqueued_at, retry_count, status, project_context, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			op_type = excluded.op_type,
			payload = excluded.payload,
			enqueued_at = excluded.enqueued_at,
			retry_count = excluded.retry_count,
			status = excluded.status,
			project_context = excluded.project_context,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		entry.ID,
		string(entry.Operation.Type()),
		payload,
		entry.EnqueuedAt.UnixNano(),
		entry.RetryCount,
		string(entry.Status),
		entry.ProjectContext,
		entry.LastError,
		entry.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return apperrors.Storage("failed to put entry", err)
	}
	return nil
}

// Get retrieves an entry by ID
func (db *DB) Get(ctx context.Context, id string) (models.QueueEntry, bool, error) {
	conn, err := db.open(ctx)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	row := conn.QueryRowContext(ctx, selectEntries+" WHERE id = ?", id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, apperrors.Storage("failed to get entry", err)
	}
	return entry, true, nil
}

// GetAll retrieves all entries
func (db *DB) GetAll(ctx context.Context) ([]models.QueueEntry, error) {
	conn, err := db.open(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, selectEntries)
	if err != nil {
		return nil, apperrors.Storage("failed to list entries", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.Storage("failed to scan entry", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("error iterating entries", err)
	}

	return entries, nil
}

// Delete deletes an entry by ID
func (db *DB) Delete(ctx context.Context, id string) error {
	conn, err := db.open(ctx)
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM queue_entries WHERE id = ?", id); err != nil {
		return apperrors.Storage("failed to delete entry", err)
	}
	return nil
}

const selectEntries = `SELECT id, op_type, payload, enqueued_at, retry_count, status,
	project_context, last_error, updated_at FROM queue_entries`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (models.QueueEntry, error) {
	var (
		entry      models.QueueEntry
		opType     string
		payload    string
		status     string
		enqueuedAt int64
		updatedAt  int64
	)

	err := s.Scan(&entry.ID, &opType, &payload, &enqueuedAt, &entry.RetryCount,
		&status, &entry.ProjectContext, &entry.LastError, &updatedAt)
	if err != nil {
		return models.QueueEntry{}, err
	}

	op, err := models.DecodeOperation(models.OperationType(opType), []byte(payload))
	if err != nil {
		return models.QueueEntry{}, err
	}

	entry.Operation = op
	entry.Status = models.EntryStatus(status)
	entry.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	entry.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return entry, nil
}

func encodePayload(op models.Operation) (string, error) {
	if op == nil {
		return "", models.ErrInvalidOperation
	}
	data, err := json.Marshal(op)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
