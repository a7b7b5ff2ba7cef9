// Package crawl defines core types shared across subsystems.
package crawl

import "time"

// JobStatus represents the lifecycle state of a persisted crawl job.
type JobStatus string

// Job status values persisted in the checkpoint store.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
	JobStatusArchived  JobStatus = "archived"
)

// Terminal reports whether no further transition is legal out of the status,
// short of explicit deletion.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusArchived
}

// Tier is the access level bound to a session.
type Tier string

// Access tiers, ordered from least to most privileged.
const (
	TierGuest      Tier = "guest"
	TierRegistered Tier = "registered"
	TierAdmin      Tier = "admin"
)

// JobMeta is the durable metadata persisted for each crawl job. Its lifetime
// is independent of any session; the ID survives process restarts.
type JobMeta struct {
	ID               string    `json:"id"`
	SeedURL          string    `json:"seed_url"`
	BaseDomain       string    `json:"base_domain"`
	Owner            string    `json:"owner,omitempty"`
	Status           JobStatus `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	LastCheckpointAt time.Time `json:"last_checkpoint_at,omitempty"`
}

// URLRecord is persisted for each discovered or crawled URL.
type URLRecord struct {
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Title      string    `json:"title,omitempty"`
	Depth      int       `json:"depth"`
	CrawledAt  time.Time `json:"crawled_at"`
}

// LinkRecord is persisted for each link between two pages.
type LinkRecord struct {
	SourceURL  string `json:"source_url"`
	TargetURL  string `json:"target_url"`
	AnchorText string `json:"anchor_text,omitempty"`
	Internal   bool   `json:"is_internal"`
	Placement  string `json:"placement,omitempty"`
}

// Key identifies a link for deduplication purposes.
func (l LinkRecord) Key() string {
	return l.SourceURL + "|" + l.TargetURL
}

// IssueRecord is persisted for each detected page issue.
type IssueRecord struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Category string `json:"category"`
	Issue    string `json:"issue"`
	Details  string `json:"details,omitempty"`
}

// EngineState is the in-memory state reported by an engine's status poll.
// It is distinct from JobStatus: an engine exists before any job does and
// outlives the job it last held.
type EngineState string

// Engine states.
const (
	EngineIdle      EngineState = "idle"
	EngineRunning   EngineState = "running"
	EnginePaused    EngineState = "paused"
	EngineStopped   EngineState = "stopped"
	EngineCompleted EngineState = "completed"
	EngineLoaded    EngineState = "loaded"
)

// Stats summarizes engine progress counters.
type Stats struct {
	Discovered int    `json:"discovered"`
	Crawled    int    `json:"crawled"`
	BaseURL    string `json:"base_url,omitempty"`
}

// Status is the full working-set snapshot returned by an engine.
type Status struct {
	JobID  string        `json:"job_id,omitempty"`
	State  EngineState   `json:"state"`
	Stats  Stats         `json:"stats"`
	URLs   []URLRecord   `json:"urls"`
	Links  []LinkRecord  `json:"links"`
	Issues []IssueRecord `json:"issues"`
}

// StatusQuery carries the per-collection "since index" cursors a polling
// collaborator supplies to receive only the incremental slice. A negative
// cursor disables slicing for that collection.
type StatusQuery struct {
	URLSince   int
	LinkSince  int
	IssueSince int
}

// FullQuery requests the entire working set with no slicing.
func FullQuery() StatusQuery {
	return StatusQuery{URLSince: -1, LinkSince: -1, IssueSince: -1}
}

// JobFilter narrows ListJobs results. Zero values mean "any".
type JobFilter struct {
	Owner  string
	Status JobStatus
	Limit  int
	Offset int
}

// Event is published on lifecycle transitions (job paused, failed, session
// evicted) for downstream consumers.
type Event struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// Lifecycle event types.
const (
	EventJobFailed      = "job.failed"
	EventJobPaused      = "job.paused"
	EventSessionEvicted = "session.evicted"
)
