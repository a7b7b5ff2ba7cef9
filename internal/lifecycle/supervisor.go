// Package lifecycle owns the background policy around sessions and jobs: the
// periodic idle sweep, crash recovery at boot, and the graceful drain on
// shutdown. It holds no session state of its own; everything flows through
// the registry and the store.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
	"github.com/tomhaitao/LibreCrawl/internal/metrics"
	"github.com/tomhaitao/LibreCrawl/internal/session"
)

// Config carries the supervisor's timing policy.
type Config struct {
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// IdleThreshold is how long a session may go untouched before eviction.
	// The boundary is strict: a session idle exactly this long is kept.
	IdleThreshold time.Duration

	// StopTimeout bounds the wait for an engine to halt during eviction.
	StopTimeout time.Duration

	// DrainEntryBudget bounds the per-session work during the shutdown drain.
	DrainEntryBudget time.Duration
}

const (
	defaultSweepInterval    = 5 * time.Minute
	defaultIdleThreshold    = time.Hour
	defaultStopTimeout      = 10 * time.Second
	defaultDrainEntryBudget = 15 * time.Second
)

// Supervisor runs the background lifecycle loops.
type Supervisor struct {
	cfg      Config
	registry *session.Registry
	store    crawl.Store
	pub      crawl.Publisher
	clock    crawl.Clock
	logger   *zap.Logger

	cron *cron.Cron

	// opMu serializes the sweep against the drain so a shutdown never races
	// an in-flight eviction pass.
	opMu chan struct{}
}

// NewSupervisor constructs a Supervisor. store and pub may be nil; crash
// recovery and event publication then become no-ops.
func NewSupervisor(cfg Config, registry *session.Registry, store crawl.Store,
	pub crawl.Publisher, clock crawl.Clock, logger *zap.Logger) *Supervisor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = defaultIdleThreshold
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.DrainEntryBudget <= 0 {
		cfg.DrainEntryBudget = defaultDrainEntryBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		pub:      pub,
		clock:    clock,
		logger:   logger,
		opMu:     make(chan struct{}, 1),
	}
	s.opMu <- struct{}{}
	return s
}

// Start schedules the periodic idle sweep. It returns after scheduling; the
// sweep itself runs on the cron goroutine.
func (s *Supervisor) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	_, err := s.cron.AddFunc(spec, func() {
		evicted := s.RunCleanupOnce(context.Background())
		if evicted > 0 {
			s.logger.Info("idle sweep evicted sessions", zap.Int("count", evicted))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("lifecycle supervisor started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("idle_threshold", s.cfg.IdleThreshold))
	return nil
}

// Stop halts the sweep scheduler and waits for any in-flight sweep.
func (s *Supervisor) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunCleanupOnce evicts every session idle strictly longer than the
// threshold and returns the eviction count. Stop failures never block an
// eviction: the entry is detached regardless.
func (s *Supervisor) RunCleanupOnce(ctx context.Context) int {
	<-s.opMu
	defer func() { s.opMu <- struct{}{} }()

	now := s.clock.Now()
	evicted := 0
	for _, info := range s.registry.Snapshot() {
		idle := now.Sub(info.LastAccess)
		if idle <= s.cfg.IdleThreshold {
			continue
		}
		if info.Engine.Running() {
			stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
			if err := info.Engine.Stop(stopCtx); err != nil {
				s.logger.Warn("stop during eviction failed",
					zap.String("session_id", info.SessionID), zap.Error(err))
			}
			cancel()
		}
		s.registry.Remove(info.SessionID)
		evicted++
		metrics.IncSessionsEvicted()
		s.publish(ctx, crawl.Event{
			Type:       crawl.EventSessionEvicted,
			SessionID:  info.SessionID,
			JobID:      info.Engine.JobID(),
			OccurredAt: now,
			Detail:     fmt.Sprintf("idle %s", idle.Truncate(time.Second)),
		})
		s.logger.Info("session evicted",
			zap.String("session_id", info.SessionID), zap.Duration("idle", idle))
	}
	return evicted
}

// RecoverCrashed marks every job left in the running state by a previous
// process as failed. Runs once at boot, before any session exists.
func (s *Supervisor) RecoverCrashed(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	jobs, err := s.store.ListJobs(ctx, crawl.JobFilter{Status: crawl.JobStatusRunning})
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	var errs []error
	for _, job := range jobs {
		if err := s.store.SetStatus(ctx, job.ID, crawl.JobStatusFailed); err != nil {
			errs = append(errs, fmt.Errorf("mark job %s failed: %w", job.ID, err))
			continue
		}
		metrics.IncCrashedJobsFailed()
		s.publish(ctx, crawl.Event{
			Type:       crawl.EventJobFailed,
			JobID:      job.ID,
			OccurredAt: s.clock.Now(),
			Detail:     "recovered after unclean shutdown",
		})
		s.logger.Warn("crashed job marked failed", zap.String("job_id", job.ID))
	}
	if len(jobs) > 0 {
		s.logger.Info("crash recovery complete",
			zap.Int("recovered", len(jobs)-len(errs)), zap.Int("errors", len(errs)))
	}
	return errors.Join(errs...)
}

// DrainAll checkpoints every active session for later resumption: force
// flush, write the resumption cursor, then mark the job paused. Each entry
// gets its own time budget, and a failure in one entry never prevents the
// drain of the rest. The registry is closed first so no new session can
// appear mid-drain.
func (s *Supervisor) DrainAll(ctx context.Context) error {
	s.registry.Close()

	<-s.opMu
	defer func() { s.opMu <- struct{}{} }()

	var errs []error
	for _, info := range s.registry.Snapshot() {
		if err := s.drainEntry(ctx, info); err != nil {
			metrics.ObserveDrainEntry("error")
			errs = append(errs, fmt.Errorf("drain session %s: %w", info.SessionID, err))
			s.logger.Warn("drain entry failed",
				zap.String("session_id", info.SessionID), zap.Error(err))
			continue
		}
		metrics.ObserveDrainEntry("ok")
	}
	s.logger.Info("drain complete",
		zap.Int("sessions", len(s.registry.Snapshot())), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

func (s *Supervisor) drainEntry(ctx context.Context, info session.Info) error {
	eng := info.Engine
	if !eng.Running() || !eng.PersistenceEnabled() {
		return nil
	}
	jobID := eng.JobID()
	if jobID == "" {
		return nil
	}

	entryCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainEntryBudget)
	defer cancel()

	if err := eng.Pause(entryCtx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	if err := eng.ForceFlush(entryCtx); err != nil {
		return fmt.Errorf("force flush: %w", err)
	}
	if err := eng.WriteResumeCursor(entryCtx); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	if s.store != nil {
		if err := s.store.SetStatus(entryCtx, jobID, crawl.JobStatusPaused); err != nil {
			return fmt.Errorf("set paused: %w", err)
		}
	}
	s.publish(entryCtx, crawl.Event{
		Type:       crawl.EventJobPaused,
		JobID:      jobID,
		SessionID:  info.SessionID,
		OccurredAt: s.clock.Now(),
		Detail:     "checkpointed for shutdown",
	})
	s.logger.Info("session drained",
		zap.String("session_id", info.SessionID), zap.String("job_id", jobID))
	return nil
}

// publish is best effort; lifecycle never fails because an event could not
// be delivered.
func (s *Supervisor) publish(ctx context.Context, ev crawl.Event) {
	if s.pub == nil {
		return
	}
	if _, err := s.pub.Publish(ctx, ev.Type, ev); err != nil {
		s.logger.Warn("publish lifecycle event failed",
			zap.String("type", ev.Type), zap.Error(err))
	}
}
