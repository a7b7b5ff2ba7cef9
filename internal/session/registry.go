// Package session binds browser sessions to crawl engines. The registry is
// the single owner of that mapping: exactly one engine exists per session ID,
// constructed on first use and detached on eviction or explicit removal.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
	"github.com/tomhaitao/LibreCrawl/internal/metrics"
)

// Config carries the registry's tunables.
type Config struct {
	// StopTimeout bounds the wait for an engine to halt when the registry
	// needs it stopped (resume over a running crawl, eviction).
	StopTimeout time.Duration

	// CursorPrefix is the blob-store prefix under which resumption cursors
	// live, matching the engine's layout.
	CursorPrefix string
}

const (
	defaultStopTimeout  = 10 * time.Second
	defaultCursorPrefix = "cursors"
)

type entry struct {
	engine     crawl.Engine
	owner      string
	tier       crawl.Tier
	settings   crawl.Settings
	lastAccess time.Time

	// forceFull makes the next status poll return the whole working set
	// regardless of the caller's cursors, then clears itself.
	forceFull bool
}

// Info is a point-in-time view of one registered session, safe to inspect
// without holding the registry lock.
type Info struct {
	SessionID  string
	Engine     crawl.Engine
	Owner      string
	LastAccess time.Time
}

// SessionStat is the per-session diagnostics row: which job the engine holds
// and how large its working set has grown.
type SessionStat struct {
	SessionID string
	JobID     string
	State     crawl.EngineState
	URLs      int
	Links     int
	Issues    int
}

// Stats summarizes the registry for status endpoints and logs.
type Stats struct {
	ActiveSessions int
	RunningCrawls  int
	Sessions       []SessionStat
}

// Registry maps session IDs to engines. The lock guards only the map and the
// per-entry bookkeeping; engine methods are never called under it.
type Registry struct {
	cfg     Config
	factory crawl.EngineFactory
	store   crawl.Store
	blobs   crawl.BlobStore
	clock   crawl.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry constructs a Registry. store and blobs may be nil when no
// persistence backend is configured; resume and load then return errors.
func NewRegistry(cfg Config, factory crawl.EngineFactory, store crawl.Store,
	blobs crawl.BlobStore, clock crawl.Clock, logger *zap.Logger) *Registry {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.CursorPrefix == "" {
		cfg.CursorPrefix = defaultCursorPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		factory: factory,
		store:   store,
		blobs:   blobs,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the engine bound to sessionID, constructing it exactly
// once on first use. Every call refreshes the session's last-access time.
func (r *Registry) GetOrCreate(sessionID, owner string, tier crawl.Tier) (crawl.Engine, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, crawl.ErrRegistryClosed
	}
	ent, ok := r.entries[sessionID]
	if ok {
		ent.lastAccess = r.clock.Now()
		eng := ent.engine
		r.mu.Unlock()
		return eng, nil
	}
	ent = &entry{
		engine:     r.factory.NewEngine(sessionID, owner, tier),
		owner:      owner,
		tier:       tier,
		settings:   crawl.SettingsForTier(tier),
		lastAccess: r.clock.Now(),
	}
	r.entries[sessionID] = ent
	active := len(r.entries)
	r.mu.Unlock()

	metrics.IncSessionsCreated()
	metrics.SetSessionsActive(active)
	r.logger.Info("session created",
		zap.String("session_id", sessionID), zap.String("tier", string(tier)))
	return ent.engine, nil
}

// Get returns the engine for sessionID without creating one.
func (r *Registry) Get(sessionID string) (crawl.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, crawl.ErrNotFound)
	}
	ent.lastAccess = r.clock.Now()
	return ent.engine, nil
}

// Touch refreshes the session's last-access time without other effects.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.entries[sessionID]; ok {
		ent.lastAccess = r.clock.Now()
	}
}

// Remove detaches sessionID and returns the engine it held for disposal, or
// nil if the session was absent. It is idempotent and does not stop the
// engine; callers that want a halt stop it first.
func (r *Registry) Remove(sessionID string) crawl.Engine {
	r.mu.Lock()
	ent, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	active := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.SetSessionsActive(active)
	r.logger.Info("session removed", zap.String("session_id", sessionID))
	return ent.engine
}

// Snapshot copies the current session set. The copy is taken under the lock;
// callers iterate it freely afterward.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.entries))
	for id, ent := range r.entries {
		out = append(out, Info{
			SessionID:  id,
			Engine:     ent.engine,
			Owner:      ent.owner,
			LastAccess: ent.lastAccess,
		})
	}
	return out
}

// SettingsFor returns the effective settings of a session.
func (r *Registry) SettingsFor(sessionID string) (crawl.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entries[sessionID]
	if !ok {
		return crawl.Settings{}, fmt.Errorf("session %s: %w", sessionID, crawl.ErrNotFound)
	}
	return ent.settings, nil
}

// MarkForceFullRefresh makes the session's next status poll return the whole
// working set once, regardless of the poll's cursors.
func (r *Registry) MarkForceFullRefresh(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.entries[sessionID]; ok {
		ent.forceFull = true
	}
}

// Status polls the session's engine and slices the working set by the
// caller's since-cursors. A pending force-full-refresh overrides the cursors
// for exactly one poll. Cursors past the end of a collection yield empty
// slices, never an error.
func (r *Registry) Status(sessionID string, q crawl.StatusQuery) (crawl.Status, error) {
	r.mu.Lock()
	ent, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return crawl.Status{}, fmt.Errorf("session %s: %w", sessionID, crawl.ErrNotFound)
	}
	ent.lastAccess = r.clock.Now()
	eng := ent.engine
	full := ent.forceFull
	ent.forceFull = false
	r.mu.Unlock()

	st := eng.Status()
	if full {
		return st, nil
	}
	st.URLs = slice(st.URLs, q.URLSince)
	st.Links = slice(st.Links, q.LinkSince)
	st.Issues = slice(st.Issues, q.IssueSince)
	return st, nil
}

func slice[T any](records []T, since int) []T {
	if since < 0 {
		return records
	}
	if since >= len(records) {
		return []T{}
	}
	return records[since:]
}

// ResumeJob loads a persisted job into the session's engine and continues
// crawling from its saved cursor. A crawl already in flight on the engine is
// stopped first. Guests cannot resume persisted jobs.
func (r *Registry) ResumeJob(ctx context.Context, sessionID, owner string, tier crawl.Tier, jobID string) error {
	if tier == crawl.TierGuest {
		return fmt.Errorf("resume job %s: %w", jobID, crawl.ErrUnauthorized)
	}
	meta, urls, links, issues, err := r.loadJob(ctx, owner, tier, jobID)
	if err != nil {
		return err
	}
	// Only paused, failed, and running jobs may continue. Completed and
	// archived jobs are loadable via LoadJobReadonly but never crawl again.
	if meta.Status.Terminal() {
		return fmt.Errorf("resume job %s with status %s: %w", jobID, meta.Status, crawl.ErrJobTerminal)
	}
	if r.blobs == nil {
		return fmt.Errorf("resume job %s: no cursor storage configured", jobID)
	}
	cursorData, err := r.blobs.Load(ctx, r.cfg.CursorPrefix+"/"+jobID+".json")
	if err != nil {
		return fmt.Errorf("load resume cursor for job %s: %w", jobID, err)
	}

	// At most one live engine may drive a job at a time, process-wide. Any
	// other session currently running this job is stopped before the handoff.
	if err := r.stopJobElsewhere(ctx, sessionID, jobID); err != nil {
		return err
	}

	eng, err := r.GetOrCreate(sessionID, owner, tier)
	if err != nil {
		return err
	}
	if eng.Running() {
		stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
		err := eng.Stop(stopCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("stop current crawl before resume: %w", err)
		}
	}

	eng.Inject(meta, urls, links, issues)
	if err := eng.ResumeFrom(ctx, cursorData); err != nil {
		return fmt.Errorf("resume job %s: %w", jobID, err)
	}
	if err := r.store.SetStatus(ctx, jobID, crawl.JobStatusRunning); err != nil {
		r.logger.Warn("set resumed job status failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
	r.MarkForceFullRefresh(sessionID)
	r.logger.Info("job resumed",
		zap.String("session_id", sessionID), zap.String("job_id", jobID),
		zap.Int("urls", len(urls)), zap.Int("links", len(links)))
	return nil
}

// LoadJobReadonly loads a persisted job into the session's engine for
// inspection without resuming the crawl. A crawl in flight is stopped first.
func (r *Registry) LoadJobReadonly(ctx context.Context, sessionID, owner string, tier crawl.Tier, jobID string) error {
	meta, urls, links, issues, err := r.loadJob(ctx, owner, tier, jobID)
	if err != nil {
		return err
	}

	eng, err := r.GetOrCreate(sessionID, owner, tier)
	if err != nil {
		return err
	}
	if eng.Running() {
		stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
		err := eng.Stop(stopCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("stop current crawl before load: %w", err)
		}
	}

	eng.Inject(meta, urls, links, issues)
	r.MarkForceFullRefresh(sessionID)
	r.logger.Info("job loaded",
		zap.String("session_id", sessionID), zap.String("job_id", jobID),
		zap.Int("urls", len(urls)), zap.Int("links", len(links)))
	return nil
}

// loadJob reads a job and its records, enforcing ownership. An empty owner
// on the stored job means it predates ownership tracking and is open to all;
// admins bypass the check.
func (r *Registry) loadJob(ctx context.Context, owner string, tier crawl.Tier, jobID string) (crawl.JobMeta, []crawl.URLRecord, []crawl.LinkRecord, []crawl.IssueRecord, error) {
	if r.store == nil {
		return crawl.JobMeta{}, nil, nil, nil, fmt.Errorf("load job %s: no store configured", jobID)
	}
	meta, err := r.store.ReadJob(ctx, jobID)
	if err != nil {
		return crawl.JobMeta{}, nil, nil, nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if err := authorize(meta, owner, tier); err != nil {
		return crawl.JobMeta{}, nil, nil, nil, err
	}
	urls, err := r.store.ReadURLs(ctx, jobID)
	if err != nil {
		return crawl.JobMeta{}, nil, nil, nil, fmt.Errorf("read urls for job %s: %w", jobID, err)
	}
	links, err := r.store.ReadLinks(ctx, jobID)
	if err != nil {
		return crawl.JobMeta{}, nil, nil, nil, fmt.Errorf("read links for job %s: %w", jobID, err)
	}
	issues, err := r.store.ReadIssues(ctx, jobID)
	if err != nil {
		return crawl.JobMeta{}, nil, nil, nil, fmt.Errorf("read issues for job %s: %w", jobID, err)
	}
	return meta, urls, links, issues, nil
}

// stopJobElsewhere stops any engine outside sessionID that is currently
// driving jobID.
func (r *Registry) stopJobElsewhere(ctx context.Context, sessionID, jobID string) error {
	for _, info := range r.Snapshot() {
		if info.SessionID == sessionID || info.Engine.JobID() != jobID || !info.Engine.Running() {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, r.cfg.StopTimeout)
		err := info.Engine.Stop(stopCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("stop job %s on session %s: %w", jobID, info.SessionID, err)
		}
		r.logger.Info("stopped job on another session before handoff",
			zap.String("job_id", jobID), zap.String("session_id", info.SessionID))
	}
	return nil
}

func authorize(meta crawl.JobMeta, owner string, tier crawl.Tier) error {
	if tier == crawl.TierAdmin {
		return nil
	}
	if meta.Owner != "" && meta.Owner != owner {
		return fmt.Errorf("job %s: %w", meta.ID, crawl.ErrUnauthorized)
	}
	return nil
}

// ListJobs returns persisted jobs visible to the caller. Non-admins see only
// their own jobs.
func (r *Registry) ListJobs(ctx context.Context, owner string, tier crawl.Tier, filter crawl.JobFilter) ([]crawl.JobMeta, error) {
	if r.store == nil {
		return nil, fmt.Errorf("list jobs: no store configured")
	}
	if tier != crawl.TierAdmin {
		filter.Owner = owner
	}
	return r.store.ListJobs(ctx, filter)
}

// ArchiveJob marks a persisted job archived. Archived is terminal and is
// reachable only from a non-running, non-terminal status.
func (r *Registry) ArchiveJob(ctx context.Context, owner string, tier crawl.Tier, jobID string) error {
	if r.store == nil {
		return fmt.Errorf("archive job %s: no store configured", jobID)
	}
	meta, err := r.store.ReadJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("read job %s: %w", jobID, err)
	}
	if err := authorize(meta, owner, tier); err != nil {
		return err
	}
	if meta.Status == crawl.JobStatusRunning {
		return fmt.Errorf("archive job %s: job is running", jobID)
	}
	if meta.Status.Terminal() {
		return fmt.Errorf("archive job %s with status %s: %w", jobID, meta.Status, crawl.ErrJobTerminal)
	}
	return r.store.SetStatus(ctx, jobID, crawl.JobStatusArchived)
}

// DeleteJob removes a persisted job, its records, and its resumption cursor.
func (r *Registry) DeleteJob(ctx context.Context, owner string, tier crawl.Tier, jobID string) error {
	if r.store == nil {
		return fmt.Errorf("delete job %s: no store configured", jobID)
	}
	meta, err := r.store.ReadJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("read job %s: %w", jobID, err)
	}
	if err := authorize(meta, owner, tier); err != nil {
		return err
	}
	if err := r.store.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	if r.blobs != nil {
		if err := r.blobs.Delete(ctx, r.cfg.CursorPrefix+"/"+jobID+".json"); err != nil {
			r.logger.Warn("delete resume cursor failed",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

// RegistryStats reports sessions, in-flight crawls, and per-entry working-set
// sizes. Engine state is read outside the registry lock.
func (r *Registry) RegistryStats() Stats {
	snap := r.Snapshot()
	s := Stats{ActiveSessions: len(snap)}
	for _, info := range snap {
		if info.Engine.Running() {
			s.RunningCrawls++
		}
		st := info.Engine.Status()
		s.Sessions = append(s.Sessions, SessionStat{
			SessionID: info.SessionID,
			JobID:     st.JobID,
			State:     st.State,
			URLs:      len(st.URLs),
			Links:     len(st.Links),
			Issues:    len(st.Issues),
		})
	}
	return s
}

// Close refuses further session creation. Existing engines are left to the
// drain procedure.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
