// Package sqlite provides a SQLite-backed checkpoint store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
)

// Store implements crawl.Store on a single SQLite database file. Suitable for
// single-process deployments; the process is assumed to own the file.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if necessary creates) the database at path. Use
// ":memory:" for testing.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; the pool must not open a
	// second one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL mode improves concurrent read performance during status polls.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			seed_url TEXT NOT NULL,
			base_domain TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_checkpoint_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE TABLE IF NOT EXISTS records (
			job_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (job_id, kind, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Record kinds stored in the records table.
const (
	kindURL   = "url"
	kindLink  = "link"
	kindIssue = "issue"
)

// WriteJob inserts or replaces the metadata for a job.
func (s *Store) WriteJob(ctx context.Context, meta crawl.JobMeta) error {
	if meta.ID == "" {
		return fmt.Errorf("job id is required")
	}
	var checkpoint any
	if !meta.LastCheckpointAt.IsZero() {
		checkpoint = meta.LastCheckpointAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seed_url = excluded.seed_url,
			base_domain = excluded.base_domain,
			owner = excluded.owner,
			status = excluded.status,
			last_checkpoint_at = excluded.last_checkpoint_at
	`, meta.ID, meta.SeedURL, meta.BaseDomain, meta.Owner, string(meta.Status),
		meta.CreatedAt.UTC().Format(time.RFC3339Nano), checkpoint)
	if err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}

// ReadJob fetches job metadata by ID.
func (s *Store) ReadJob(ctx context.Context, jobID string) (crawl.JobMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at
		FROM jobs WHERE id = ?
	`, jobID)
	meta, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawl.JobMeta{}, fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	if err != nil {
		return crawl.JobMeta{}, fmt.Errorf("read job: %w", err)
	}
	return meta, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (crawl.JobMeta, error) {
	var meta crawl.JobMeta
	var status, createdAt string
	var checkpointAt sql.NullString
	if err := row.Scan(&meta.ID, &meta.SeedURL, &meta.BaseDomain, &meta.Owner,
		&status, &createdAt, &checkpointAt); err != nil {
		return crawl.JobMeta{}, err
	}
	meta.Status = crawl.JobStatus(status)
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return crawl.JobMeta{}, fmt.Errorf("parse created_at: %w", err)
	}
	meta.CreatedAt = created
	if checkpointAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, checkpointAt.String)
		if err != nil {
			return crawl.JobMeta{}, fmt.Errorf("parse last_checkpoint_at: %w", err)
		}
		meta.LastCheckpointAt = ts
	}
	return meta, nil
}

// ListJobs returns job metadata matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter crawl.JobFilter) ([]crawl.JobMeta, error) {
	query := `SELECT id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at FROM jobs WHERE 1=1`
	args := []any{}
	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []crawl.JobMeta
	for rows.Next() {
		meta, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// SetStatus rewrites a job's status and checkpoint timestamp.
func (s *Store) SetStatus(ctx context.Context, jobID string, status crawl.JobStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_checkpoint_at = ? WHERE id = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339Nano), jobID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	return nil
}

func (s *Store) appendRecords(ctx context.Context, jobID, kind string, payloads []any) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append %s records: %w", kind, err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM records WHERE job_id = ? AND kind = ?
	`, jobID, kind).Scan(&next); err != nil {
		return fmt.Errorf("append %s records: %w", kind, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (job_id, kind, seq, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("append %s records: %w", kind, err)
	}
	defer stmt.Close()

	for i, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", kind, err)
		}
		if _, err := stmt.ExecContext(ctx, jobID, kind, next+i, data); err != nil {
			return fmt.Errorf("append %s records: %w", kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append %s records: %w", kind, err)
	}
	return nil
}

func (s *Store) readRecords(ctx context.Context, jobID, kind string, decode func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM records WHERE job_id = ? AND kind = ? ORDER BY seq
	`, jobID, kind)
	if err != nil {
		return fmt.Errorf("read %s records: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("read %s records: %w", kind, err)
		}
		if err := decode(data); err != nil {
			return fmt.Errorf("decode %s record: %w", kind, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read %s records: %w", kind, err)
	}
	return nil
}

// AppendURLs appends URL records for a job.
func (s *Store) AppendURLs(ctx context.Context, jobID string, records []crawl.URLRecord) error {
	payloads := make([]any, len(records))
	for i := range records {
		payloads[i] = records[i]
	}
	return s.appendRecords(ctx, jobID, kindURL, payloads)
}

// AppendLinks appends link records for a job.
func (s *Store) AppendLinks(ctx context.Context, jobID string, records []crawl.LinkRecord) error {
	payloads := make([]any, len(records))
	for i := range records {
		payloads[i] = records[i]
	}
	return s.appendRecords(ctx, jobID, kindLink, payloads)
}

// AppendIssues appends issue records for a job.
func (s *Store) AppendIssues(ctx context.Context, jobID string, records []crawl.IssueRecord) error {
	payloads := make([]any, len(records))
	for i := range records {
		payloads[i] = records[i]
	}
	return s.appendRecords(ctx, jobID, kindIssue, payloads)
}

// ReadURLs returns all URL records for a job in insertion order.
func (s *Store) ReadURLs(ctx context.Context, jobID string) ([]crawl.URLRecord, error) {
	var out []crawl.URLRecord
	err := s.readRecords(ctx, jobID, kindURL, func(data []byte) error {
		var rec crawl.URLRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReadLinks returns all link records for a job in insertion order.
func (s *Store) ReadLinks(ctx context.Context, jobID string) ([]crawl.LinkRecord, error) {
	var out []crawl.LinkRecord
	err := s.readRecords(ctx, jobID, kindLink, func(data []byte) error {
		var rec crawl.LinkRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReadIssues returns all issue records for a job in insertion order.
func (s *Store) ReadIssues(ctx context.Context, jobID string) ([]crawl.IssueRecord, error) {
	var out []crawl.IssueRecord
	err := s.readRecords(ctx, jobID, kindIssue, func(data []byte) error {
		var rec crawl.IssueRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// DeleteJob removes a job and all associated records.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
