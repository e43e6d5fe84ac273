// Package store persists committed collection mutations into SQLite:
// a records table holding the latest body per tracking id and an
// append-only change log that downstream feeds page through.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/drift/internal/collection"
)

// SQLiteStore is the SQLite-backed mutation applier.
type SQLiteStore struct {
	db *sql.DB
}

// ChangeRecord is one row of the change log.
type ChangeRecord struct {
	Sequence   int64           `json:"sequence"`
	Collection string          `json:"collection"`
	TrackingID string          `json:"tracking_id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Delta      json.RawMessage `json:"delta,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewSQLiteStore opens (or creates) the database at dbPath, applies
// pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ApplyMutations writes a commit's mutation list atomically: record
// bodies upsert (or delete), and one change-log row appends per
// entry. Returns the highest assigned sequence.
func (s *SQLiteStore) ApplyMutations(ctx context.Context, collectionName string, muts []collection.Mutation) (int64, error) {
	if len(muts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var highestSeq int64

	for i, m := range muts {
		var payload []byte
		if m.Item != nil {
			if payload, err = json.Marshal(m.Item); err != nil {
				return 0, fmt.Errorf("marshal record %s: %w", m.TrackingID, err)
			}
		}

		switch m.Operation {
		case "delete":
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE tracking_id = ?`, m.TrackingID); err != nil {
				return 0, fmt.Errorf("delete record %s: %w", m.TrackingID, err)
			}
		default:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO records (tracking_id, collection, body, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(tracking_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
			`, m.TrackingID, collectionName, string(payload), now, now); err != nil {
				return 0, fmt.Errorf("upsert record %s: %w", m.TrackingID, err)
			}
		}

		var deltaJSON []byte
		if m.Delta != nil {
			if deltaJSON, err = json.Marshal(m.Delta); err != nil {
				return 0, fmt.Errorf("marshal delta %s: %w", m.TrackingID, err)
			}
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO change_log (collection, tracking_id, operation, payload, delta, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, collectionName, m.TrackingID, string(m.Operation),
			nullableText(payload), nullableText(deltaJSON), now)
		if err != nil {
			return 0, fmt.Errorf("append change log entry %d: %w", i, err)
		}
		if highestSeq, err = result.LastInsertId(); err != nil {
			return 0, fmt.Errorf("get last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return highestSeq, nil
}

// Handler adapts the store into a collection mutation handler.
func (s *SQLiteStore) Handler(collectionName string) collection.Handler {
	return func(muts []collection.Mutation) error {
		_, err := s.ApplyMutations(context.Background(), collectionName, muts)
		return err
	}
}

// GetRecord loads the latest body for a tracking id.
func (s *SQLiteStore) GetRecord(ctx context.Context, trackingID string) (map[string]any, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM records WHERE tracking_id = ?`, trackingID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %q: %w", trackingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %q: %w", trackingID, err)
	}
	return rec, nil
}

// CountRecords returns the number of records in a collection.
func (s *SQLiteStore) CountRecords(ctx context.Context, collectionName string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collectionName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// GetChangesAfter returns change-log rows with sequence > afterSeq,
// ascending, up to limit.
func (s *SQLiteStore) GetChangesAfter(ctx context.Context, collectionName string, afterSeq int64, limit int) ([]ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, collection, tracking_id, operation, payload, delta, created_at
		FROM change_log
		WHERE collection = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, collectionName, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]ChangeRecord, 0)
	for rows.Next() {
		var e ChangeRecord
		var payload, deltaJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&e.Sequence, &e.Collection, &e.TrackingID, &e.Operation,
			&payload, &deltaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}

		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if deltaJSON.Valid {
			e.Delta = json.RawMessage(deltaJSON.String)
		}
		if t, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
			e.CreatedAt = t
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetLatestSequence returns the highest change-log sequence for a
// collection, 0 when empty.
func (s *SQLiteStore) GetLatestSequence(ctx context.Context, collectionName string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM change_log WHERE collection = ?`, collectionName).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CompactChangeLog removes change-log rows at or below the sequence
// horizon. Returns the number of rows removed.
func (s *SQLiteStore) CompactChangeLog(ctx context.Context, collectionName string, belowSeq int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM change_log WHERE collection = ? AND sequence <= ?
	`, collectionName, belowSeq)
	if err != nil {
		return 0, fmt.Errorf("compact change log: %w", err)
	}
	return result.RowsAffected()
}

// nullableText converts empty byte slices to NULL for storage.
func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
