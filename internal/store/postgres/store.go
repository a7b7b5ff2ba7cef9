// Package postgres provides a Postgres-backed checkpoint store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawl.Store on Postgres.
type Store struct {
	pool pgxPool
}

// NewStore connects to Postgres using the provided config and ensures the
// schema exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing). No migration is run.
func NewStoreWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			seed_url TEXT NOT NULL,
			base_domain TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_checkpoint_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs (owner)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
		`CREATE TABLE IF NOT EXISTS records (
			job_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (job_id, kind, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// WriteJob inserts or replaces the metadata for a job.
func (s *Store) WriteJob(ctx context.Context, meta crawl.JobMeta) error {
	if meta.ID == "" {
		return fmt.Errorf("job id is required")
	}
	var checkpoint *time.Time
	if !meta.LastCheckpointAt.IsZero() {
		ts := meta.LastCheckpointAt.UTC()
		checkpoint = &ts
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			seed_url = EXCLUDED.seed_url,
			base_domain = EXCLUDED.base_domain,
			owner = EXCLUDED.owner,
			status = EXCLUDED.status,
			last_checkpoint_at = EXCLUDED.last_checkpoint_at
	`, meta.ID, meta.SeedURL, meta.BaseDomain, meta.Owner, string(meta.Status),
		meta.CreatedAt.UTC(), checkpoint)
	if err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}

// ReadJob fetches job metadata by ID.
func (s *Store) ReadJob(ctx context.Context, jobID string) (crawl.JobMeta, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at
		FROM jobs WHERE id = $1
	`, jobID)
	meta, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.JobMeta{}, fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	if err != nil {
		return crawl.JobMeta{}, fmt.Errorf("read job: %w", err)
	}
	return meta, nil
}

func scanJob(row pgx.Row) (crawl.JobMeta, error) {
	var meta crawl.JobMeta
	var status string
	var checkpointAt *time.Time
	if err := row.Scan(&meta.ID, &meta.SeedURL, &meta.BaseDomain, &meta.Owner,
		&status, &meta.CreatedAt, &checkpointAt); err != nil {
		return crawl.JobMeta{}, err
	}
	meta.Status = crawl.JobStatus(status)
	if checkpointAt != nil {
		meta.LastCheckpointAt = *checkpointAt
	}
	return meta, nil
}

// ListJobs returns job metadata matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter crawl.JobFilter) ([]crawl.JobMeta, error) {
	query := `SELECT id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at FROM jobs`
	var clauses []string
	var args []any
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		clauses = append(clauses, fmt.Sprintf("owner = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, last_checkpoint_at = now() WHERE id = $2
	`, string(status), jobID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	return nil
}

func (s *Store) appendRecords(ctx context.Context, jobID, kind string, payloads []any) error {
	for _, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", kind, err)
		}
		// Aggregate subquery yields exactly one row even for an empty set,
		// so the first record for a job gets seq 0.
		_, err = s.pool.Exec(ctx, `
			INSERT INTO records (job_id, kind, seq, data)
			SELECT $1, $2, COALESCE(MAX(seq), -1) + 1, $3
			FROM records WHERE job_id = $1 AND kind = $2
		`, jobID, kind, data)
		if err != nil {
			return fmt.Errorf("append %s records: %w", kind, err)
		}
	}
	return nil
}

func (s *Store) readRecords(ctx context.Context, jobID, kind string, decode func([]byte) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM records WHERE job_id = $1 AND kind = $2 ORDER BY seq
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
	return s.appendRecords(ctx, jobID, "url", payloads)
}

// AppendLinks appends link records for a job.
func (s *Store) AppendLinks(ctx context.Context, jobID string, records []crawl.LinkRecord) error {
	payloads := make([]any, len(records))
	for i := range records {
		payloads[i] = records[i]
	}
	return s.appendRecords(ctx, jobID, "link", payloads)
}

// AppendIssues appends issue records for a job.
func (s *Store) AppendIssues(ctx context.Context, jobID string, records []crawl.IssueRecord) error {
	payloads := make([]any, len(records))
	for i := range records {
		payloads[i] = records[i]
	}
	return s.appendRecords(ctx, jobID, "issue", payloads)
}

// ReadURLs returns all URL records for a job in insertion order.
func (s *Store) ReadURLs(ctx context.Context, jobID string) ([]crawl.URLRecord, error) {
	var out []crawl.URLRecord
	err := s.readRecords(ctx, jobID, "url", func(data []byte) error {
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
	err := s.readRecords(ctx, jobID, "link", func(data []byte) error {
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
	err := s.readRecords(ctx, jobID, "issue", func(data []byte) error {
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
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM records WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job records: %w", err)
	}
	return nil
}
