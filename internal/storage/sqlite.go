//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"asklepios/internal/job"
	"asklepios/internal/stats"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func DefaultStoreKind() string { return "sqlite" }

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, j job.Job) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := job.Encode(j)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO jobs (id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, j.ID, j.SchemaVersion, j.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (job.Job, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return job.Job{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, false, nil
		}
		return job.Job{}, false, err
	}

	decoded, err := job.Decode(payload)
	if err != nil {
		return job.Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return decoded, true, nil
}

func (s *SQLiteStore) ListJobIDs(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id FROM jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SaveReport(ctx context.Context, report stats.RunReport) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO reports (run_id, payload)
		VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload = excluded.payload
	`, report.RunID, payload)
	return err
}

func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (stats.RunReport, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return stats.RunReport{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM reports WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stats.RunReport{}, false, nil
		}
		return stats.RunReport{}, false, err
	}

	var report stats.RunReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return stats.RunReport{}, false, fmt.Errorf("decode report %s: %w", runID, err)
	}
	return report, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reports (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
