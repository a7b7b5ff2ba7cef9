package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomhaitao/LibreCrawl/internal/blob"
	"github.com/tomhaitao/LibreCrawl/internal/crawl"
	memstore "github.com/tomhaitao/LibreCrawl/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeEngine records lifecycle calls so tests can assert ordering without a
// real crawl loop.
type fakeEngine struct {
	mu          sync.Mutex
	jobID       string
	running     bool
	status      crawl.Status
	stopCalls   int
	stopErr     error
	injected    bool
	injectMeta  crawl.JobMeta
	injectURLs  []crawl.URLRecord
	injectLinks []crawl.LinkRecord
	resumed     bool
	resumeErr   error
}

func (f *fakeEngine) Start(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return "", crawl.ErrAlreadyRunning
	}
	f.running = true
	return f.jobID, nil
}

func (f *fakeEngine) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.running = false
	return nil
}

func (f *fakeEngine) Pause(context.Context) error  { return nil }
func (f *fakeEngine) Resume(context.Context) error { return nil }

func (f *fakeEngine) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeEngine) JobID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobID
}

func (f *fakeEngine) Status() crawl.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeEngine) ForceFlush(context.Context) error        { return nil }
func (f *fakeEngine) WriteResumeCursor(context.Context) error { return nil }
func (f *fakeEngine) PersistenceEnabled() bool                { return true }

func (f *fakeEngine) Inject(meta crawl.JobMeta, urls []crawl.URLRecord, links []crawl.LinkRecord, _ []crawl.IssueRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = true
	f.injectMeta = meta
	f.injectURLs = urls
	f.injectLinks = links
	f.jobID = meta.ID
	f.status = crawl.Status{
		JobID: meta.ID,
		State: crawl.EngineLoaded,
		Stats: crawl.Stats{Discovered: len(urls), Crawled: len(urls)},
	}
}

func (f *fakeEngine) ResumeFrom(_ context.Context, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = true
	f.running = true
	return nil
}

func countingFactory(counter *atomic.Int64, engines map[string]*fakeEngine) crawl.EngineFactory {
	var mu sync.Mutex
	return crawl.EngineFactoryFunc(func(sessionID, _ string, _ crawl.Tier) crawl.Engine {
		counter.Add(1)
		eng := &fakeEngine{}
		mu.Lock()
		engines[sessionID] = eng
		mu.Unlock()
		return eng
	})
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, map[string]*fakeEngine, *atomic.Int64) {
	t.Helper()
	clk := newFakeClock()
	engines := make(map[string]*fakeEngine)
	var built atomic.Int64
	reg := NewRegistry(Config{StopTimeout: time.Second}, countingFactory(&built, engines),
		memstore.NewStore(), blob.NewMemory(), clk, nil)
	return reg, clk, engines, &built
}

func TestGetOrCreateConstructsOnce(t *testing.T) {
	t.Parallel()
	reg, _, _, built := newTestRegistry(t)

	const goroutines = 32
	results := make([]crawl.Engine, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eng, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
			require.NoError(t, err)
			results[i] = eng
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), built.Load())
	for _, eng := range results {
		require.Same(t, results[0], eng)
	}
}

func TestGetOrCreateAfterClose(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	reg.Close()
	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.ErrorIs(t, err, crawl.ErrRegistryClosed)
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)

	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.NoError(t, err)

	require.NotNil(t, reg.Remove("sess-1"))
	require.Nil(t, reg.Remove("sess-1"))
	require.Empty(t, reg.Snapshot())
}

func TestTouchRefreshesLastAccess(t *testing.T) {
	t.Parallel()
	reg, clk, _, _ := newTestRegistry(t)

	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.NoError(t, err)
	created := reg.Snapshot()[0].LastAccess

	clk.Advance(10 * time.Minute)
	reg.Touch("sess-1")
	require.Equal(t, created.Add(10*time.Minute), reg.Snapshot()[0].LastAccess)
}

func statusWith(n int) crawl.Status {
	st := crawl.Status{State: crawl.EngineRunning}
	for i := 0; i < n; i++ {
		st.URLs = append(st.URLs, crawl.URLRecord{URL: fmt.Sprintf("https://example.com/p%d", i)})
		st.Links = append(st.Links, crawl.LinkRecord{
			SourceURL: "https://example.com",
			TargetURL: fmt.Sprintf("https://example.com/p%d", i),
		})
		st.Issues = append(st.Issues, crawl.IssueRecord{URL: fmt.Sprintf("https://example.com/p%d", i)})
	}
	return st
}

func TestStatusSlicesBySinceCursors(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)

	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.NoError(t, err)
	engines["sess-1"].status = statusWith(10)

	st, err := reg.Status("sess-1", crawl.StatusQuery{URLSince: 4, LinkSince: 10, IssueSince: 25})
	require.NoError(t, err)
	require.Len(t, st.URLs, 6)
	require.Equal(t, "https://example.com/p4", st.URLs[0].URL)
	require.Empty(t, st.Links)
	require.Empty(t, st.Issues)
}

func TestStatusFullQuery(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)

	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.NoError(t, err)
	engines["sess-1"].status = statusWith(7)

	st, err := reg.Status("sess-1", crawl.FullQuery())
	require.NoError(t, err)
	require.Len(t, st.URLs, 7)
	require.Len(t, st.Links, 7)
	require.Len(t, st.Issues, 7)
}

func TestStatusUnknownSession(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	_, err := reg.Status("nope", crawl.FullQuery())
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestForceFullRefreshOverridesCursorsOnce(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)

	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.NoError(t, err)
	engines["sess-1"].status = statusWith(10)
	reg.MarkForceFullRefresh("sess-1")

	st, err := reg.Status("sess-1", crawl.StatusQuery{URLSince: 8, LinkSince: 8, IssueSince: 8})
	require.NoError(t, err)
	require.Len(t, st.URLs, 10, "first poll after the mark returns everything")

	st, err = reg.Status("sess-1", crawl.StatusQuery{URLSince: 8, LinkSince: 8, IssueSince: 8})
	require.NoError(t, err)
	require.Len(t, st.URLs, 2, "the mark clears after one poll")
}

func seedJob(t *testing.T, reg *Registry, jobID, owner string, urls, links int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, reg.store.WriteJob(ctx, crawl.JobMeta{
		ID: jobID, SeedURL: "https://example.com", BaseDomain: "example.com",
		Owner: owner, Status: crawl.JobStatusPaused, CreatedAt: time.Now().UTC(),
	}))
	urlRecs := make([]crawl.URLRecord, urls)
	for i := range urlRecs {
		urlRecs[i] = crawl.URLRecord{URL: fmt.Sprintf("https://example.com/p%d", i), StatusCode: 200}
	}
	require.NoError(t, reg.store.AppendURLs(ctx, jobID, urlRecs))
	linkRecs := make([]crawl.LinkRecord, links)
	for i := range linkRecs {
		linkRecs[i] = crawl.LinkRecord{
			SourceURL: "https://example.com",
			TargetURL: fmt.Sprintf("https://example.com/p%d", i),
		}
	}
	require.NoError(t, reg.store.AppendLinks(ctx, jobID, linkRecs))
	require.NoError(t, reg.blobs.Save(ctx, "cursors/"+jobID+".json",
		[]byte(`{"pending":[{"url":"https://example.com/next","depth":2}],"visited":[]}`)))
}

func TestResumeJobInjectsExactCounts(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 120, 340)

	err := reg.ResumeJob(context.Background(), "sess-1", "alice", crawl.TierRegistered, "job-1")
	require.NoError(t, err)

	eng := engines["sess-1"]
	require.True(t, eng.injected)
	require.True(t, eng.resumed)
	require.Len(t, eng.injectURLs, 120)
	require.Len(t, eng.injectLinks, 340)

	st, err := reg.Status("sess-1", crawl.StatusQuery{URLSince: 1000, LinkSince: 1000, IssueSince: 1000})
	require.NoError(t, err)
	require.Equal(t, 120, st.Stats.Crawled)
	require.Equal(t, 120, st.Stats.Discovered)

	meta, err := reg.store.ReadJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusRunning, meta.Status)
}

func TestResumeJobStopsRunningCrawlFirst(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 3, 3)

	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.NoError(t, err)
	engines["sess-1"].running = true

	err = reg.ResumeJob(context.Background(), "sess-1", "alice", crawl.TierRegistered, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, engines["sess-1"].stopCalls)
}

func TestResumeJobNotFound(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	err := reg.ResumeJob(context.Background(), "sess-1", "alice", crawl.TierRegistered, "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestResumeJobUnauthorized(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 2, 2)

	err := reg.ResumeJob(context.Background(), "sess-1", "mallory", crawl.TierRegistered, "job-1")
	require.ErrorIs(t, err, crawl.ErrUnauthorized)
	require.Empty(t, engines, "no engine is built for a rejected resume")
}

func TestResumeJobGuestRejected(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "", 2, 2)

	err := reg.ResumeJob(context.Background(), "sess-1", "", crawl.TierGuest, "job-1")
	require.ErrorIs(t, err, crawl.ErrUnauthorized)
}

func TestResumeJobRejectsTerminalStatus(t *testing.T) {
	t.Parallel()
	for _, status := range []crawl.JobStatus{crawl.JobStatusCompleted, crawl.JobStatusArchived} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()
			reg, _, engines, _ := newTestRegistry(t)
			seedJob(t, reg, "job-1", "alice", 4, 4)
			ctx := context.Background()
			require.NoError(t, reg.store.SetStatus(ctx, "job-1", status))

			err := reg.ResumeJob(ctx, "sess-1", "alice", crawl.TierRegistered, "job-1")
			require.ErrorIs(t, err, crawl.ErrJobTerminal)
			require.Empty(t, engines, "no engine is built for a rejected resume")

			meta, err := reg.store.ReadJob(ctx, "job-1")
			require.NoError(t, err)
			require.Equal(t, status, meta.Status, "a rejected resume leaves the persisted status alone")
		})
	}
}

func TestResumeJobAllowsFailedStatus(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 2, 2)
	ctx := context.Background()
	require.NoError(t, reg.store.SetStatus(ctx, "job-1", crawl.JobStatusFailed))

	require.NoError(t, reg.ResumeJob(ctx, "sess-1", "alice", crawl.TierRegistered, "job-1"))
	require.True(t, engines["sess-1"].resumed)

	meta, err := reg.store.ReadJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusRunning, meta.Status)
}

func TestResumeJobAdminBypassesOwnership(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 2, 2)

	err := reg.ResumeJob(context.Background(), "sess-1", "root", crawl.TierAdmin, "job-1")
	require.NoError(t, err)
	require.True(t, engines["sess-1"].resumed)
}

func TestLoadJobReadonlyDoesNotResume(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 5, 8)

	err := reg.LoadJobReadonly(context.Background(), "sess-1", "alice", crawl.TierRegistered, "job-1")
	require.NoError(t, err)

	eng := engines["sess-1"]
	require.True(t, eng.injected)
	require.False(t, eng.resumed)
	require.Len(t, eng.injectURLs, 5)
	require.Len(t, eng.injectLinks, 8)

	meta, err := reg.store.ReadJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusPaused, meta.Status, "read-only load leaves the persisted status alone")
}

func TestArchiveJob(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 1, 1)

	require.NoError(t, reg.ArchiveJob(context.Background(), "alice", crawl.TierRegistered, "job-1"))
	meta, err := reg.store.ReadJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusArchived, meta.Status)

	err = reg.ArchiveJob(context.Background(), "mallory", crawl.TierRegistered, "job-1")
	require.ErrorIs(t, err, crawl.ErrUnauthorized)

	err = reg.ArchiveJob(context.Background(), "alice", crawl.TierRegistered, "job-1")
	require.ErrorIs(t, err, crawl.ErrJobTerminal, "archiving an archived job is rejected")
}

func TestArchiveJobRejectsRunning(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 1, 1)
	ctx := context.Background()
	require.NoError(t, reg.store.SetStatus(ctx, "job-1", crawl.JobStatusRunning))

	err := reg.ArchiveJob(ctx, "alice", crawl.TierRegistered, "job-1")
	require.Error(t, err)

	meta, err := reg.store.ReadJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusRunning, meta.Status, "a rejected archive leaves the status alone")
}

func TestDeleteJobRemovesCursor(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 1, 1)

	require.NoError(t, reg.DeleteJob(context.Background(), "alice", crawl.TierRegistered, "job-1"))

	_, err := reg.store.ReadJob(context.Background(), "job-1")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	_, err = reg.blobs.Load(context.Background(), "cursors/job-1.json")
	require.Error(t, err)
}

func TestListJobsScopedToOwner(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)
	seedJob(t, reg, "job-a", "alice", 1, 1)
	seedJob(t, reg, "job-b", "bob", 1, 1)

	jobs, err := reg.ListJobs(context.Background(), "alice", crawl.TierRegistered, crawl.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-a", jobs[0].ID)

	jobs, err = reg.ListJobs(context.Background(), "root", crawl.TierAdmin, crawl.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestRegistryStats(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)

	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.NoError(t, err)
	_, err = reg.GetOrCreate("sess-2", "bob", crawl.TierRegistered)
	require.NoError(t, err)
	engines["sess-2"].running = true
	engines["sess-2"].status = statusWith(3)

	stats := reg.RegistryStats()
	require.Equal(t, 2, stats.ActiveSessions)
	require.Equal(t, 1, stats.RunningCrawls)
	require.Len(t, stats.Sessions, 2)
	for _, sess := range stats.Sessions {
		if sess.SessionID == "sess-2" {
			require.Equal(t, 3, sess.URLs)
			require.Equal(t, 3, sess.Links)
		}
	}
}

func TestSettingsForBoundAtCreation(t *testing.T) {
	t.Parallel()
	reg, _, _, _ := newTestRegistry(t)

	_, err := reg.GetOrCreate("sess-guest", "", crawl.TierGuest)
	require.NoError(t, err)
	_, err = reg.GetOrCreate("sess-admin", "root", crawl.TierAdmin)
	require.NoError(t, err)

	guest, err := reg.SettingsFor("sess-guest")
	require.NoError(t, err)
	require.False(t, guest.Persistence)
	require.Equal(t, 500, guest.MaxPages)

	admin, err := reg.SettingsFor("sess-admin")
	require.NoError(t, err)
	require.True(t, admin.Persistence)
	require.Zero(t, admin.MaxPages)

	_, err = reg.SettingsFor("nope")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestResumeJobStopsSameJobOnOtherSession(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 2, 2)

	_, err := reg.GetOrCreate("sess-old", "alice", crawl.TierRegistered)
	require.NoError(t, err)
	engines["sess-old"].jobID = "job-1"
	engines["sess-old"].running = true

	err = reg.ResumeJob(context.Background(), "sess-new", "alice", crawl.TierRegistered, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, engines["sess-old"].stopCalls, "the job's previous engine is stopped first")
	require.True(t, engines["sess-new"].resumed)
}

var errStopStuck = errors.New("engine will not stop")

func TestResumeJobPropagatesStopFailure(t *testing.T) {
	t.Parallel()
	reg, _, engines, _ := newTestRegistry(t)
	seedJob(t, reg, "job-1", "alice", 2, 2)

	_, err := reg.GetOrCreate("sess-1", "alice", crawl.TierRegistered)
	require.NoError(t, err)
	engines["sess-1"].running = true
	engines["sess-1"].stopErr = errStopStuck

	err = reg.ResumeJob(context.Background(), "sess-1", "alice", crawl.TierRegistered, "job-1")
	require.ErrorIs(t, err, errStopStuck)
	require.False(t, engines["sess-1"].injected, "a crawl that cannot be stopped is never overwritten")
}
