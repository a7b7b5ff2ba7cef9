package crawl

import (
	"context"
	"time"
)

// Engine is the opaque unit performing the actual crawling work. The registry
// manages engine instances; it never looks inside one. Implementations own
// their internal synchronization: every method is safe for concurrent use,
// and none of them may be called while holding the registry lock.
type Engine interface {
	// Start begins a new crawl from the seed URL and returns the durable job
	// ID it was assigned. Returns ErrAlreadyRunning if a crawl is in flight.
	Start(ctx context.Context, seedURL string) (string, error)

	// Stop requests the in-flight crawl halt. The engine may take a bounded
	// but non-zero time to observe the signal; the context bounds the wait.
	Stop(ctx context.Context) error

	// Pause and Resume toggle the in-flight crawl without discarding state.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Running reports whether a crawl is currently in flight.
	Running() bool

	// JobID returns the durable identifier of the job the engine currently
	// holds, or "" if it has never started or loaded one.
	JobID() string

	// Status returns a point-in-time copy of the full working set.
	Status() Status

	// ForceFlush persists all not-yet-flushed records immediately, bypassing
	// normal batching.
	ForceFlush(ctx context.Context) error

	// WriteResumeCursor persists an opaque cursor sufficient to resume the
	// frontier without re-visiting completed URLs or losing discovered ones.
	WriteResumeCursor(ctx context.Context) error

	// Inject replaces the engine's working set with previously persisted
	// records, as if they had just been produced by continued crawling.
	// Derived indexes are rebuilt from the records; counts reflect exactly
	// what was loaded.
	Inject(meta JobMeta, urls []URLRecord, links []LinkRecord, issues []IssueRecord)

	// ResumeFrom continues a previously injected job from the given cursor,
	// transitioning the engine to running.
	ResumeFrom(ctx context.Context, cursor []byte) error

	// PersistenceEnabled reports whether the engine checkpoints to a store.
	PersistenceEnabled() bool
}

// EngineFactory constructs a fresh engine for a new session.
type EngineFactory interface {
	NewEngine(sessionID string, owner string, tier Tier) Engine
}

// EngineFactoryFunc adapts a function to the EngineFactory interface.
type EngineFactoryFunc func(sessionID string, owner string, tier Tier) Engine

// NewEngine calls f.
func (f EngineFactoryFunc) NewEngine(sessionID string, owner string, tier Tier) Engine {
	return f(sessionID, owner, tier)
}

// Store persists crawl job metadata and checkpointed records. Pure storage;
// no lifecycle policy.
type Store interface {
	WriteJob(ctx context.Context, meta JobMeta) error
	ReadJob(ctx context.Context, jobID string) (JobMeta, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]JobMeta, error)
	SetStatus(ctx context.Context, jobID string, status JobStatus) error

	AppendURLs(ctx context.Context, jobID string, records []URLRecord) error
	AppendLinks(ctx context.Context, jobID string, records []LinkRecord) error
	AppendIssues(ctx context.Context, jobID string, records []IssueRecord) error

	ReadURLs(ctx context.Context, jobID string) ([]URLRecord, error)
	ReadLinks(ctx context.Context, jobID string) ([]LinkRecord, error)
	ReadIssues(ctx context.Context, jobID string) ([]IssueRecord, error)

	DeleteJob(ctx context.Context, jobID string) error
	Close() error
}

// BlobStore writes opaque artifacts (resumption cursors) and reads them back.
type BlobStore interface {
	Save(ctx context.Context, objectName string, data []byte) error
	Load(ctx context.Context, objectName string) ([]byte, error)
	Delete(ctx context.Context, objectName string) error
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
