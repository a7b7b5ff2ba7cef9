package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewStoreWithPool(nil)
	require.Error(t, err)
}

func TestWriteJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "https://example.com", "example.com", "alice", "running",
			created, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.WriteJob(context.Background(), crawl.JobMeta{
		ID:         "job-1",
		SeedURL:    "https://example.com",
		BaseDomain: "example.com",
		Owner:      "alice",
		Status:     crawl.JobStatusRunning,
		CreatedAt:  created,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteJobRequiresID(t *testing.T) {
	t.Parallel()
	store, _ := newMockStore(t)
	require.Error(t, store.WriteJob(context.Background(), crawl.JobMeta{}))
}

func TestReadJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	checkpoint := created.Add(30 * time.Minute)
	mock.ExpectQuery("SELECT id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "seed_url", "base_domain", "owner", "status", "created_at", "last_checkpoint_at",
		}).AddRow("job-1", "https://example.com", "example.com", "alice", "paused", created, &checkpoint))

	meta, err := store.ReadJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", meta.ID)
	require.Equal(t, crawl.JobStatusPaused, meta.Status)
	require.True(t, checkpoint.Equal(meta.LastCheckpointAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadJobNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "seed_url", "base_domain", "owner", "status", "created_at", "last_checkpoint_at",
		}))

	_, err := store.ReadJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("failed", "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SetStatus(context.Background(), "job-1", crawl.JobStatusFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("failed", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SetStatus(context.Background(), "missing", crawl.JobStatusFailed)
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsByStatus(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, seed_url, base_domain, owner, status, created_at, last_checkpoint_at FROM jobs").
		WithArgs("running").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "seed_url", "base_domain", "owner", "status", "created_at", "last_checkpoint_at",
		}).
			AddRow("job-2", "https://b.example", "b.example", "", "running", created.Add(time.Minute), nil).
			AddRow("job-1", "https://a.example", "a.example", "", "running", created, nil))

	jobs, err := store.ListJobs(context.Background(), crawl.JobFilter{Status: crawl.JobStatusRunning})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-2", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendURLs(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	records := []crawl.URLRecord{
		{URL: "https://example.com", StatusCode: 200},
		{URL: "https://example.com/a", StatusCode: 404},
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		mock.ExpectExec("INSERT INTO records").
			WithArgs("job-1", "url", data).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, store.AppendURLs(context.Background(), "job-1", records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadLinks(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	link := crawl.LinkRecord{
		SourceURL: "https://example.com",
		TargetURL: "https://example.com/a",
		Internal:  true,
	}
	data, err := json.Marshal(link)
	require.NoError(t, err)
	mock.ExpectQuery("SELECT data FROM records").
		WithArgs("job-1", "link").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	links, err := store.ReadLinks(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, []crawl.LinkRecord{link}, links)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM records").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, store.DeleteJob(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteJobNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := store.DeleteJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
