// Package engine provides the default crawl engine implementation. The
// fetch/parse step is an injected Fetcher collaborator; this package owns the
// lifecycle machinery around it: the crawl loop with stop/pause gates, result
// buffers behind the engine's own lock, incremental checkpoint flushing, the
// resumption cursor, and injection of previously persisted working sets.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
	"github.com/tomhaitao/LibreCrawl/internal/metrics"
)

// Config controls checkpoint batching behavior and crawl limits. A zero
// MaxPages or MaxDepth means unlimited.
type Config struct {
	FlushInterval time.Duration
	FlushBatch    int
	Persistence   bool
	CursorPrefix  string
	FlushTimeout  time.Duration
	MaxPages      int
	MaxDepth      int
}

const (
	defaultFlushInterval = 30 * time.Second
	defaultFlushBatch    = 50
	defaultCursorPrefix  = "cursors"
	defaultFlushTimeout  = 10 * time.Second
)

type frontierItem struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// cursor is the serialized resumption cursor: the not-yet-visited frontier
// plus the visited set, enough to continue without re-visiting completed
// URLs or losing discovered-but-unvisited ones.
type cursor struct {
	Pending []frontierItem `json:"pending"`
	Visited []string       `json:"visited"`
}

// Engine implements crawl.Engine. All mutable state is guarded by mu, which
// is never held across a fetch or a store write.
type Engine struct {
	cfg     Config
	store   crawl.Store
	blobs   crawl.BlobStore
	fetcher Fetcher
	clock   crawl.Clock
	idGen   crawl.IDGenerator
	logger  *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond

	jobID      string
	owner      string
	seedURL    string
	baseDomain string
	state      crawl.EngineState

	urls     []crawl.URLRecord
	links    []crawl.LinkRecord
	issues   []crawl.IssueRecord
	linkKeys map[string]struct{}

	frontier    []frontierItem
	frontierSet map[string]struct{}
	visited     map[string]struct{}

	flushedURLs   int
	flushedLinks  int
	flushedIssues int
	lastFlush     time.Time

	running  bool
	paused   bool
	stopping bool
	done     chan struct{}

	// flushMu serializes flushes so periodic and forced flushes cannot
	// interleave and double-append the same suffix.
	flushMu sync.Mutex
}

// New constructs an Engine. store and blobs may be nil when persistence is
// disabled; fetcher defaults to the no-op fetcher and logger to a nop logger.
func New(cfg Config, store crawl.Store, blobs crawl.BlobStore, fetcher Fetcher,
	clock crawl.Clock, idGen crawl.IDGenerator, logger *zap.Logger) *Engine {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = defaultFlushBatch
	}
	if cfg.CursorPrefix == "" {
		cfg.CursorPrefix = defaultCursorPrefix
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if fetcher == nil {
		fetcher = NoopFetcher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:         cfg,
		store:       store,
		blobs:       blobs,
		fetcher:     fetcher,
		clock:       clock,
		idGen:       idGen,
		logger:      logger,
		state:       crawl.EngineIdle,
		linkKeys:    make(map[string]struct{}),
		frontierSet: make(map[string]struct{}),
		visited:     make(map[string]struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// NewFactory returns a crawl.EngineFactory producing engines that share the
// given collaborators, with a session-scoped logger per engine. Each engine
// is built with the tier's limits: page and depth caps, and persistence only
// when both the deployment and the tier allow it.
func NewFactory(cfg Config, store crawl.Store, blobs crawl.BlobStore, fetcher Fetcher,
	clock crawl.Clock, idGen crawl.IDGenerator, logger *zap.Logger) crawl.EngineFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return crawl.EngineFactoryFunc(func(sessionID string, owner string, tier crawl.Tier) crawl.Engine {
		settings := crawl.SettingsForTier(tier)
		tierCfg := cfg
		tierCfg.Persistence = cfg.Persistence && settings.Persistence
		tierCfg.MaxPages = settings.MaxPages
		tierCfg.MaxDepth = settings.MaxDepth
		e := New(tierCfg, store, blobs, fetcher, clock, idGen,
			logger.With(zap.String("session_id", sessionID), zap.String("tier", string(tier))))
		e.owner = owner
		return e
	})
}

// Start begins a new crawl from the seed URL and returns the assigned job ID.
func (e *Engine) Start(ctx context.Context, seedURL string) (string, error) {
	parsed, err := url.Parse(seedURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid seed URL %q", seedURL)
	}

	jobID, err := e.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return "", crawl.ErrAlreadyRunning
	}
	e.reset()
	e.jobID = jobID
	e.seedURL = seedURL
	e.baseDomain = parsed.Hostname()
	e.pushFrontier(frontierItem{URL: seedURL, Depth: 0})
	e.running = true
	e.state = crawl.EngineRunning
	e.done = make(chan struct{})
	e.lastFlush = e.clock.Now()
	meta := e.metaLocked(crawl.JobStatusRunning)
	e.mu.Unlock()

	if e.PersistenceEnabled() {
		if err := e.store.WriteJob(ctx, meta); err != nil {
			e.mu.Lock()
			e.running = false
			e.state = crawl.EngineIdle
			close(e.done)
			e.mu.Unlock()
			return "", fmt.Errorf("write job metadata: %w", err)
		}
	}

	go e.run()
	e.logger.Info("crawl started", zap.String("job_id", jobID), zap.String("seed", seedURL))
	return jobID, nil
}

func (e *Engine) reset() {
	e.urls = nil
	e.links = nil
	e.issues = nil
	e.linkKeys = make(map[string]struct{})
	e.frontier = nil
	e.frontierSet = make(map[string]struct{})
	e.visited = make(map[string]struct{})
	e.flushedURLs = 0
	e.flushedLinks = 0
	e.flushedIssues = 0
	e.paused = false
	e.stopping = false
}

func (e *Engine) metaLocked(status crawl.JobStatus) crawl.JobMeta {
	return crawl.JobMeta{
		ID:         e.jobID,
		SeedURL:    e.seedURL,
		BaseDomain: e.baseDomain,
		Owner:      e.owner,
		Status:     status,
		CreatedAt:  e.clock.Now(),
	}
}

func (e *Engine) pushFrontier(item frontierItem) {
	if e.cfg.MaxDepth > 0 && item.Depth > e.cfg.MaxDepth {
		return
	}
	if _, seen := e.visited[item.URL]; seen {
		return
	}
	if _, queued := e.frontierSet[item.URL]; queued {
		return
	}
	e.frontier = append(e.frontier, item)
	e.frontierSet[item.URL] = struct{}{}
}

// run is the crawl loop. It checks the stop and pause gates between units of
// work; a stop request therefore takes effect after at most one fetch.
func (e *Engine) run() {
	ctx := context.Background()
	completed := false
	for {
		e.mu.Lock()
		for e.paused && !e.stopping {
			e.cond.Wait()
		}
		if e.stopping {
			e.mu.Unlock()
			break
		}
		if len(e.frontier) == 0 || (e.cfg.MaxPages > 0 && len(e.urls) >= e.cfg.MaxPages) {
			completed = true
			e.mu.Unlock()
			break
		}
		item := e.frontier[0]
		e.frontier = e.frontier[1:]
		delete(e.frontierSet, item.URL)
		e.visited[item.URL] = struct{}{}
		e.mu.Unlock()

		page, err := e.fetcher.Fetch(ctx, item.URL, item.Depth)
		if err != nil {
			e.logger.Warn("fetch failed", zap.String("url", item.URL), zap.Error(err))
			page = Page{StatusCode: 0}
		}
		shouldFlush := e.record(item, page)
		if shouldFlush {
			e.flush(ctx, "periodic")
		}
	}

	e.finish(ctx, completed)
}

// record folds one fetched page into the working set and reports whether a
// periodic flush is due.
func (e *Engine) record(item frontierItem, page Page) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.urls = append(e.urls, crawl.URLRecord{
		URL:        item.URL,
		StatusCode: page.StatusCode,
		Title:      page.Title,
		Depth:      item.Depth,
		CrawledAt:  e.clock.Now(),
	})

	for _, out := range page.Outlinks {
		target, err := url.Parse(out.TargetURL)
		if err != nil {
			continue
		}
		internal := target.Hostname() == e.baseDomain
		link := crawl.LinkRecord{
			SourceURL:  item.URL,
			TargetURL:  out.TargetURL,
			AnchorText: out.AnchorText,
			Internal:   internal,
			Placement:  out.Placement,
		}
		if _, dup := e.linkKeys[link.Key()]; dup {
			continue
		}
		e.linkKeys[link.Key()] = struct{}{}
		e.links = append(e.links, link)
		if internal {
			e.pushFrontier(frontierItem{URL: out.TargetURL, Depth: item.Depth + 1})
		}
	}

	e.issues = append(e.issues, page.Issues...)

	if !e.PersistenceEnabled() {
		return false
	}
	unflushed := (len(e.urls) - e.flushedURLs) +
		(len(e.links) - e.flushedLinks) +
		(len(e.issues) - e.flushedIssues)
	return unflushed >= e.cfg.FlushBatch || e.clock.Now().Sub(e.lastFlush) >= e.cfg.FlushInterval
}

func (e *Engine) finish(ctx context.Context, completed bool) {
	if completed && e.PersistenceEnabled() {
		e.flush(ctx, "final")
		flushCtx, cancel := context.WithTimeout(ctx, e.cfg.FlushTimeout)
		if err := e.store.SetStatus(flushCtx, e.jobID, crawl.JobStatusCompleted); err != nil {
			e.logger.Warn("set completed status failed", zap.String("job_id", e.jobID), zap.Error(err))
		}
		cancel()
	}

	e.mu.Lock()
	e.running = false
	e.paused = false
	e.stopping = false
	if completed {
		e.state = crawl.EngineCompleted
	} else {
		e.state = crawl.EngineStopped
	}
	close(e.done)
	e.mu.Unlock()

	e.logger.Info("crawl finished",
		zap.String("job_id", e.jobID), zap.Bool("completed", completed))
}

// Stop requests the loop halt and waits for it, bounded by ctx. A timeout
// returns crawl.ErrStopTimeout; the loop still exits after its current unit
// of work.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	done := e.done
	e.cond.Broadcast()
	e.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		metrics.IncEngineStopTimeout()
		return fmt.Errorf("stop job %s: %w", e.JobID(), crawl.ErrStopTimeout)
	}
}

// Pause suspends the loop without discarding state.
func (e *Engine) Pause(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("no crawl in progress")
	}
	e.paused = true
	e.state = crawl.EnginePaused
	return nil
}

// Resume continues a paused loop.
func (e *Engine) Resume(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return fmt.Errorf("no crawl in progress")
	}
	e.paused = false
	e.state = crawl.EngineRunning
	e.cond.Broadcast()
	return nil
}

// Running reports whether a crawl loop is in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// JobID returns the durable identifier of the job the engine currently holds.
func (e *Engine) JobID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobID
}

// PersistenceEnabled reports whether the engine checkpoints to a store.
func (e *Engine) PersistenceEnabled() bool {
	return e.cfg.Persistence && e.store != nil
}

// Status returns a point-in-time copy of the full working set.
func (e *Engine) Status() crawl.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := crawl.Status{
		JobID: e.jobID,
		State: e.state,
		Stats: crawl.Stats{
			Discovered: len(e.visited) + len(e.frontier),
			Crawled:    len(e.urls),
			BaseURL:    e.seedURL,
		},
		URLs:   make([]crawl.URLRecord, len(e.urls)),
		Links:  make([]crawl.LinkRecord, len(e.links)),
		Issues: make([]crawl.IssueRecord, len(e.issues)),
	}
	copy(st.URLs, e.urls)
	copy(st.Links, e.links)
	copy(st.Issues, e.issues)
	return st
}

// ForceFlush persists all not-yet-flushed records immediately.
func (e *Engine) ForceFlush(ctx context.Context) error {
	if !e.PersistenceEnabled() {
		return nil
	}
	return e.flush(ctx, "forced")
}

// flush appends the unpersisted suffix of each buffer to the store. The
// engine lock is released during store writes; flushMu keeps concurrent
// flushes from appending the same suffix twice.
func (e *Engine) flush(ctx context.Context, trigger string) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	jobID := e.jobID
	urls := append([]crawl.URLRecord(nil), e.urls[e.flushedURLs:]...)
	links := append([]crawl.LinkRecord(nil), e.links[e.flushedLinks:]...)
	issues := append([]crawl.IssueRecord(nil), e.issues[e.flushedIssues:]...)
	e.mu.Unlock()

	if jobID == "" {
		return nil
	}

	flushCtx, cancel := context.WithTimeout(ctx, e.cfg.FlushTimeout)
	defer cancel()

	var err error
	if len(urls) > 0 {
		err = e.store.AppendURLs(flushCtx, jobID, urls)
	}
	if err == nil && len(links) > 0 {
		err = e.store.AppendLinks(flushCtx, jobID, links)
	}
	if err == nil && len(issues) > 0 {
		err = e.store.AppendIssues(flushCtx, jobID, issues)
	}
	metrics.ObserveCheckpointFlush(trigger, err)
	if err != nil {
		e.logger.Warn("checkpoint flush failed",
			zap.String("job_id", jobID), zap.String("trigger", trigger), zap.Error(err))
		return fmt.Errorf("checkpoint flush: %w", err)
	}

	e.mu.Lock()
	e.flushedURLs += len(urls)
	e.flushedLinks += len(links)
	e.flushedIssues += len(issues)
	e.lastFlush = e.clock.Now()
	e.mu.Unlock()
	return nil
}

// WriteResumeCursor persists the frontier snapshot for this job.
func (e *Engine) WriteResumeCursor(ctx context.Context) error {
	if e.blobs == nil {
		return fmt.Errorf("no blob store configured")
	}
	e.mu.Lock()
	jobID := e.jobID
	cur := cursor{
		Pending: append([]frontierItem(nil), e.frontier...),
		Visited: make([]string, 0, len(e.visited)),
	}
	for u := range e.visited {
		cur.Visited = append(cur.Visited, u)
	}
	e.mu.Unlock()

	if jobID == "" {
		return fmt.Errorf("no job loaded")
	}
	data, err := marshalCursor(cur)
	if err != nil {
		return err
	}
	if err := e.blobs.Save(ctx, e.cursorKey(jobID), data); err != nil {
		return fmt.Errorf("write resume cursor: %w", err)
	}
	return nil
}

func (e *Engine) cursorKey(jobID string) string {
	return e.cfg.CursorPrefix + "/" + jobID + ".json"
}

// Inject replaces the working set with previously persisted records. Counts
// reflect exactly what was loaded, the link dedup index is rebuilt from the
// loaded records, and the flush marks are set so nothing is re-persisted.
// The caller ensures the engine is not running.
func (e *Engine) Inject(meta crawl.JobMeta, urls []crawl.URLRecord, links []crawl.LinkRecord, issues []crawl.IssueRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reset()
	e.jobID = meta.ID
	e.seedURL = meta.SeedURL
	e.baseDomain = meta.BaseDomain
	e.state = crawl.EngineLoaded

	e.urls = append([]crawl.URLRecord(nil), urls...)
	e.links = append([]crawl.LinkRecord(nil), links...)
	e.issues = append([]crawl.IssueRecord(nil), issues...)
	for _, u := range e.urls {
		e.visited[u.URL] = struct{}{}
	}
	for _, l := range e.links {
		e.linkKeys[l.Key()] = struct{}{}
	}
	e.flushedURLs = len(e.urls)
	e.flushedLinks = len(e.links)
	e.flushedIssues = len(e.issues)
}

// ResumeFrom continues a previously injected job from the given cursor.
func (e *Engine) ResumeFrom(_ context.Context, data []byte) error {
	cur, err := unmarshalCursor(data)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return crawl.ErrAlreadyRunning
	}
	if e.jobID == "" {
		e.mu.Unlock()
		return fmt.Errorf("no job loaded")
	}
	for _, v := range cur.Visited {
		e.visited[v] = struct{}{}
	}
	for _, item := range cur.Pending {
		e.pushFrontier(item)
	}
	e.running = true
	e.paused = false
	e.stopping = false
	e.state = crawl.EngineRunning
	e.done = make(chan struct{})
	e.lastFlush = e.clock.Now()
	jobID := e.jobID
	e.mu.Unlock()

	go e.run()
	e.logger.Info("crawl resumed", zap.String("job_id", jobID),
		zap.Int("pending", len(cur.Pending)))
	return nil
}
