// Package memory provides an in-memory checkpoint store for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
)

// Store implements crawl.Store with mutex-guarded maps.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]crawl.JobMeta
	urls   map[string][]crawl.URLRecord
	links  map[string][]crawl.LinkRecord
	issues map[string][]crawl.IssueRecord
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		jobs:   make(map[string]crawl.JobMeta),
		urls:   make(map[string][]crawl.URLRecord),
		links:  make(map[string][]crawl.LinkRecord),
		issues: make(map[string][]crawl.IssueRecord),
	}
}

// WriteJob inserts or replaces the metadata for a job.
func (s *Store) WriteJob(_ context.Context, meta crawl.JobMeta) error {
	if meta.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[meta.ID] = meta
	return nil
}

// ReadJob fetches job metadata by ID.
func (s *Store) ReadJob(_ context.Context, jobID string) (crawl.JobMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.jobs[jobID]
	if !ok {
		return crawl.JobMeta{}, fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	return meta, nil
}

// ListJobs returns job metadata matching the filter.
func (s *Store) ListJobs(_ context.Context, filter crawl.JobFilter) ([]crawl.JobMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.JobMeta, 0, len(s.jobs))
	for _, meta := range s.jobs {
		if filter.Owner != "" && meta.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && meta.Status != filter.Status {
			continue
		}
		out = append(out, meta)
	}
	// Newest first, matching the SQL stores, with the ID as tie-break so
	// paging stays stable across calls.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetStatus rewrites a job's status and checkpoint timestamp.
func (s *Store) SetStatus(_ context.Context, jobID string, status crawl.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	meta.Status = status
	meta.LastCheckpointAt = time.Now().UTC()
	s.jobs[jobID] = meta
	return nil
}

// AppendURLs appends URL records for a job.
func (s *Store) AppendURLs(_ context.Context, jobID string, records []crawl.URLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[jobID] = append(s.urls[jobID], records...)
	return nil
}

// AppendLinks appends link records for a job.
func (s *Store) AppendLinks(_ context.Context, jobID string, records []crawl.LinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[jobID] = append(s.links[jobID], records...)
	return nil
}

// AppendIssues appends issue records for a job.
func (s *Store) AppendIssues(_ context.Context, jobID string, records []crawl.IssueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[jobID] = append(s.issues[jobID], records...)
	return nil
}

// ReadURLs returns a copy of all URL records for a job.
func (s *Store) ReadURLs(_ context.Context, jobID string) ([]crawl.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.URLRecord, len(s.urls[jobID]))
	copy(out, s.urls[jobID])
	return out, nil
}

// ReadLinks returns a copy of all link records for a job.
func (s *Store) ReadLinks(_ context.Context, jobID string) ([]crawl.LinkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.LinkRecord, len(s.links[jobID]))
	copy(out, s.links[jobID])
	return out, nil
}

// ReadIssues returns a copy of all issue records for a job.
func (s *Store) ReadIssues(_ context.Context, jobID string) ([]crawl.IssueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.IssueRecord, len(s.issues[jobID]))
	copy(out, s.issues[jobID])
	return out, nil
}

// DeleteJob removes a job and all associated records.
func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, crawl.ErrNotFound)
	}
	delete(s.jobs, jobID)
	delete(s.urls, jobID)
	delete(s.links, jobID)
	delete(s.issues, jobID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
