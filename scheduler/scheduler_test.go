package scheduler

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/downloader"
	"github.com/aluiziolira/go-batch-grabber/hashindex"
	"github.com/aluiziolira/go-batch-grabber/models"
	"github.com/aluiziolira/go-batch-grabber/transfer"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PrimaryRoot = "/dl"
	cfg.FilenameTemplate = "%id%.%ext%"
	cfg.SpeedTick = 10 * time.Millisecond
	return cfg
}

func itemURL(id string) string {
	return "http://media.test/files/" + id + ".png"
}

func entry(id string) models.QueueEntry {
	item := &models.Item{ID: id, FileURL: itemURL(id)}
	return models.NewSingleEntry(id, item, models.Query{Site: "media.test"})
}

func saved(e models.QueueEntry) *models.ItemResult {
	return &models.ItemResult{
		Item:     e.Item,
		Outcomes: []models.SaveOutcome{{Root: models.RootPrimary, Kind: models.OutcomeSaved}},
		Bytes:    10,
	}
}

func networkFailure(e models.QueueEntry, code string, retryable bool) *models.ItemResult {
	return &models.ItemResult{
		Item: e.Item,
		Outcomes: []models.SaveOutcome{{
			Root:      models.RootPrimary,
			Kind:      models.OutcomeError,
			ErrorKind: models.ErrorNetwork,
			Code:      code,
			Message:   code,
			Retryable: retryable,
		}},
	}
}

type fakeDownloader struct {
	mu          sync.Mutex
	attempts    map[string]int
	inFlight    int
	maxInFlight int
	rootErr     error
	handle      func(ctx context.Context, e models.QueueEntry, attempt int) (*models.ItemResult, error)
}

func newFake() *fakeDownloader {
	return &fakeDownloader{attempts: make(map[string]int)}
}

func (f *fakeDownloader) Download(ctx context.Context, e models.QueueEntry, progress transfer.ProgressFunc) (*models.ItemResult, error) {
	f.mu.Lock()
	f.attempts[e.ID]++
	attempt := f.attempts[e.ID]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	handle := f.handle
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if progress != nil {
		progress(5, 10)
		progress(10, 10)
	}
	if handle == nil {
		return saved(e), nil
	}
	return handle(ctx, e, attempt)
}

func (f *fakeDownloader) CheckRoots() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rootErr
}

func (f *fakeDownloader) setRootErr(err error) {
	f.mu.Lock()
	f.rootErr = err
	f.mu.Unlock()
}

func (f *fakeDownloader) attemptsOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	sched  *Scheduler
}

func (r *recorder) OnEvent(ev Event) {
	if r.sched != nil {
		// Observers may call back into the scheduler.
		_ = r.sched.Snapshot()
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func stateOf(s *Scheduler, id string) models.EntryState {
	st, _ := s.Entry(id)
	return st.State
}

func wait(t *testing.T, s *Scheduler) models.BatchSummary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := s.Wait(ctx)
	require.NoError(t, err)
	return sum
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Simultaneous = 3
	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, _ int) (*models.ItemResult, error) {
		time.Sleep(5 * time.Millisecond)
		return saved(e), nil
	}
	s := New(cfg, fake, nil)

	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		require.NoError(t, s.Add(entry(id)))
	}
	s.Close()
	require.NoError(t, s.Start(context.Background()))
	sum := wait(t, s)

	require.Equal(t, 10, sum.Succeeded)
	require.LessOrEqual(t, fake.maxInFlight, 3)
	require.Equal(t, StateCompleted, s.State())
}

func TestSetConcurrencyLimitClampsToOne(t *testing.T) {
	s := New(testConfig(), newFake(), nil)
	s.SetConcurrencyLimit(0)
	require.Equal(t, 1, s.Snapshot().Limit)
	s.SetConcurrencyLimit(4)
	require.Equal(t, 4, s.Snapshot().Limit)
}

func TestFatalFailureDoesNotStopBatch(t *testing.T) {
	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, _ int) (*models.ItemResult, error) {
		if e.ID == "b" {
			return networkFailure(e, transfer.CodeNotFound, false), nil
		}
		return saved(e), nil
	}
	cfg := testConfig()
	cfg.MaxAutomaticRetries = 3
	s := New(cfg, fake, nil)
	require.NoError(t, s.Add(entry("a"), entry("b"), entry("c")))
	s.Close()
	require.NoError(t, s.Start(context.Background()))
	sum := wait(t, s)

	require.Equal(t, 2, sum.Succeeded)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 0, sum.Retries)
	require.Equal(t, 1, fake.attemptsOf("b"), "non-retryable failures are dispatched once")
	require.Equal(t, []string{itemURL("b")}, sum.FailedURLs)
	require.Equal(t, 1, sum.ErrorsByType[transfer.CodeNotFound])
}

func TestMetadataErrorIsFatal(t *testing.T) {
	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, _ int) (*models.ItemResult, error) {
		return nil, &downloader.MetadataFetchError{URL: "http://booru.test/post/1", Err: errors.New("boom")}
	}
	cfg := testConfig()
	cfg.MaxAutomaticRetries = 2
	s := New(cfg, fake, nil)
	require.NoError(t, s.Add(entry("a")))
	s.Close()
	require.NoError(t, s.Start(context.Background()))
	sum := wait(t, s)

	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, fake.attemptsOf("a"))
	require.Equal(t, 1, sum.ErrorsByType["metadata"])
}

func TestSkipQueuedAndInFlight(t *testing.T) {
	e := newEngine(t, testConfig())
	started := make(chan string, 1)
	release := make(chan struct{})
	body := &gatedBody{started: started, id: "a", release: release}
	e.transport.RegisterResponder(http.MethodGet, itemURL("a"), func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, ContentLength: -1, Header: http.Header{}, Body: body, Request: req}, nil
	})

	require.NoError(t, e.sched.Add(entry("a"), entry("b")))
	e.sched.Close()
	require.NoError(t, e.sched.Start(context.Background()))

	require.Equal(t, "a", <-started)
	require.NoError(t, e.sched.Skip("b"))
	require.Equal(t, models.EntrySkipped, stateOf(e.sched, "b"))
	require.NoError(t, e.sched.Skip("a"))
	require.Equal(t, models.EntryDispatched, stateOf(e.sched, "a"))
	close(release)

	sum := wait(t, e.sched)
	require.Equal(t, 2, sum.Skipped)
	require.Equal(t, 0, sum.Failed)
	require.Equal(t, 0, sum.Cancelled)
	require.True(t, body.eof.Load(), "in-flight body was not read to EOF")
	require.False(t, body.closedEarly.Load(), "in-flight transfer was aborted")
	require.Zero(t, e.transport.GetCallCountInfo()["GET "+itemURL("b")])
	for _, f := range e.files(t) {
		require.False(t, strings.HasSuffix(f, hashindex.PartialSuffix), "partial file %s left behind", f)
	}

	require.ErrorIs(t, e.sched.Skip("a"), ErrNotSkippable)
	require.ErrorIs(t, e.sched.Skip("zzz"), ErrUnknownEntry)
}

func TestPauseOnlyAffectsFutureDispatch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 4)
	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, _ int) (*models.ItemResult, error) {
		started <- e.ID
		if e.ID == "a" {
			<-release
		}
		return saved(e), nil
	}
	s := New(testConfig(), fake, nil)
	require.NoError(t, s.Add(entry("a"), entry("b")))
	s.Close()
	require.NoError(t, s.Start(context.Background()))

	require.Equal(t, "a", <-started)
	require.NoError(t, s.Pause())
	require.Equal(t, StatePaused, s.State())
	close(release)

	waitFor(t, "a to finish while paused", func() bool { return stateOf(s, "a") == models.EntrySucceeded })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, models.EntryQueued, stateOf(s, "b"))
	require.Equal(t, 0, fake.attemptsOf("b"))

	require.NoError(t, s.Resume())
	sum := wait(t, s)
	require.Equal(t, 2, sum.Succeeded)
}

func TestBatchFolderErrorHaltsDispatchUntilResume(t *testing.T) {
	folderErr := &downloader.BatchFolderError{Root: models.RootPrimary, Path: "/dl", Err: errors.New("read-only file system")}
	var failing atomic.Bool
	failing.Store(true)

	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, _ int) (*models.ItemResult, error) {
		if failing.Load() {
			return nil, folderErr
		}
		return saved(e), nil
	}
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxAutomaticRetries = 0
	s := New(cfg, fake, nil, WithObserver(rec))
	require.NoError(t, s.Add(entry("a"), entry("b")))
	s.Close()
	require.NoError(t, s.Start(context.Background()))

	waitFor(t, "batch to block", func() bool { return s.Snapshot().Blocked })
	require.Equal(t, models.EntryQueued, stateOf(s, "a"))
	require.Equal(t, 0, fake.attemptsOf("b"))

	fake.setRootErr(folderErr)
	require.ErrorAs(t, s.Resume(), new(*downloader.BatchFolderError))
	require.True(t, s.Snapshot().Blocked)

	failing.Store(false)
	fake.setRootErr(nil)
	require.NoError(t, s.Resume())

	sum := wait(t, s)
	require.Equal(t, 2, sum.Succeeded)
	require.Equal(t, 0, sum.Retries)
	require.Equal(t, 2, fake.attemptsOf("a"))
	require.Equal(t, 1, rec.count(EventBatchError))
}

func TestRetryFailedRequeuesFatalEntries(t *testing.T) {
	failedB := make(chan struct{}, 1)
	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, attempt int) (*models.ItemResult, error) {
		if e.ID == "b" && attempt == 1 {
			return networkFailure(e, transfer.CodeForbidden, false), nil
		}
		return saved(e), nil
	}
	s := New(testConfig(), fake, nil, WithObserver(ObserverFunc(func(ev Event) {
		if ev.Kind == EventEntryFailed && ev.Entry.ID == "b" {
			failedB <- struct{}{}
		}
	})))

	require.NoError(t, s.Add(entry("a"), entry("b")))
	require.NoError(t, s.Start(context.Background()))
	<-failedB
	require.Equal(t, models.EntryFailedFatal, stateOf(s, "b"))

	require.Equal(t, 1, s.RetryFailed())
	s.Close()
	sum := wait(t, s)
	require.Equal(t, 2, sum.Succeeded)
	require.Equal(t, 0, sum.Failed)
	require.Equal(t, 2, fake.attemptsOf("b"))
}

func TestAddWhileRunningGrowsTotal(t *testing.T) {
	release := make(chan struct{})
	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, _ int) (*models.ItemResult, error) {
		<-release
		return saved(e), nil
	}
	s := New(testConfig(), fake, nil)
	require.NoError(t, s.Add(entry("a")))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Add(entry("b"), entry("c")))
	require.Equal(t, 3, s.Snapshot().Total)
	require.Error(t, s.Add(entry("b")), "duplicate ids are rejected")

	close(release)
	s.Close()
	require.ErrorIs(t, s.Add(entry("d")), ErrClosed)
	sum := wait(t, s)
	require.Equal(t, 3, sum.Total)
	require.Equal(t, 3, sum.Succeeded)
	require.ErrorIs(t, s.Add(entry("e")), ErrBatchFinished)
}

func TestEndActionResolvedOnCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.EndAction = config.EndActionShutdown
	rec := &recorder{}
	s := New(cfg, newFake(), nil, WithObserver(rec))
	rec.sched = s

	action, ok := s.EndAction()
	require.False(t, ok)
	require.Empty(t, action)

	require.NoError(t, s.Add(entry("a")))
	s.Close()
	require.NoError(t, s.Start(context.Background()))
	sum := wait(t, s)

	action, ok = s.EndAction()
	require.True(t, ok)
	require.Equal(t, config.EndActionShutdown, action)
	require.Equal(t, string(config.EndActionShutdown), sum.EndAction)

	events := rec.all()
	last := events[len(events)-1]
	require.Equal(t, EventBatchCompleted, last.Kind)
	require.Equal(t, config.EndActionShutdown, last.EndAction)
	require.NotNil(t, last.Summary)
}

func TestCancelledBatchResolvesEndAction(t *testing.T) {
	cfg := testConfig()
	cfg.EndAction = config.EndActionPlaySound
	rec := &recorder{}
	s := New(cfg, newFake(), nil, WithObserver(rec))
	require.NoError(t, s.Add(entry("a"), entry("b")))
	s.Cancel()

	sum := wait(t, s)
	require.Equal(t, 2, sum.Cancelled)
	action, ok := s.EndAction()
	require.True(t, ok)
	require.Equal(t, config.EndActionPlaySound, action)
	require.Equal(t, string(config.EndActionPlaySound), sum.EndAction)
	require.Equal(t, StateCancelled, s.State())

	events := rec.all()
	last := events[len(events)-1]
	require.Equal(t, EventBatchCancelled, last.Kind)
	require.Equal(t, config.EndActionPlaySound, last.EndAction)
}

func TestParentContextCancelsBatch(t *testing.T) {
	started := make(chan struct{}, 1)
	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, _ int) (*models.ItemResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return networkFailure(e, transfer.CodeCancelled, false), nil
	}
	s := New(testConfig(), fake, nil)
	require.NoError(t, s.Add(entry("a"), entry("b")))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	<-started
	cancel()

	sum := wait(t, s)
	require.Equal(t, StateCancelled, s.State())
	require.Equal(t, 2, sum.Cancelled)
	require.Equal(t, 0, sum.Failed)
}

func TestEventsForEachEntryEndWithOneTerminalEvent(t *testing.T) {
	rec := &recorder{}
	s := New(testConfig(), newFake(), nil, WithObserver(rec))
	rec.sched = s
	require.NoError(t, s.Add(entry("a"), entry("b")))
	s.Close()
	require.NoError(t, s.Start(context.Background()))
	wait(t, s)

	perEntry := map[string][]EventKind{}
	for _, ev := range rec.all() {
		if ev.Entry != nil && ev.Kind != EventEntrySpeed {
			perEntry[ev.Entry.ID] = append(perEntry[ev.Entry.ID], ev.Kind)
		}
	}
	for _, id := range []string{"a", "b"} {
		kinds := perEntry[id]
		require.Equal(t, EventEntryQueued, kinds[0])
		require.Equal(t, EventEntryDispatched, kinds[1])
		require.Equal(t, EventEntrySucceeded, kinds[len(kinds)-1])
		require.Contains(t, kinds, EventEntryProgress)
	}
	require.Equal(t, 1, rec.count(EventBatchStarted))
	require.Equal(t, 1, rec.count(EventBatchCompleted))
}

func TestResetOnlyWhenFinished(t *testing.T) {
	release := make(chan struct{})
	fake := newFake()
	fake.handle = func(ctx context.Context, e models.QueueEntry, _ int) (*models.ItemResult, error) {
		<-release
		return saved(e), nil
	}
	s := New(testConfig(), fake, nil)
	require.NoError(t, s.Add(entry("a")))
	s.Close()
	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Reset(), ErrBatchActive)

	close(release)
	wait(t, s)
	require.NoError(t, s.Reset())
	require.Equal(t, StateIdle, s.State())
	require.Equal(t, 0, s.Snapshot().Total)

	require.NoError(t, s.Add(entry("a")))
	s.Close()
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, 1, wait(t, s).Succeeded)
}

func TestGroupPageProgress(t *testing.T) {
	group := &models.Group{Name: "sky", Tags: "sky rating:safe", Total: 3}
	var entries []models.QueueEntry
	for i, id := range []string{"g1", "g2"} {
		item := &models.Item{ID: id, FileURL: itemURL(id)}
		entries = append(entries, models.NewGroupEntry(id, item, group, i))
	}
	s := New(testConfig(), newFake(), nil)
	require.NoError(t, s.Add(entries...))
	s.Close()
	require.NoError(t, s.Start(context.Background()))
	wait(t, s)

	snap := s.Snapshot()
	require.Equal(t, "sky", snap.Page.Group)
	require.Equal(t, 1, snap.Page.SiteIndex)
	require.Equal(t, 2, snap.Page.Done)
	require.Equal(t, 3, snap.Page.Total)
	require.Equal(t, int64(20), snap.Bytes)

	st, ok := s.Entry("g2")
	require.True(t, ok)
	require.Equal(t, 1, st.SiteIndex)
}

func TestSpeedTracker(t *testing.T) {
	base := time.Unix(1_000, 0)
	tr := newSpeedTracker(5)
	tr.start("a", base)
	tr.add("a", 1000, base)
	tr.add("a", 1000, base.Add(time.Second))
	require.InDelta(t, 1000.0, tr.rate("a", base.Add(time.Second)), 0.001)

	tr.start("b", base.Add(time.Second))
	tr.add("b", 500, base.Add(time.Second))
	require.InDelta(t, 1500.0, tr.total(base.Add(time.Second)), 0.001)

	require.Zero(t, tr.rate("a", base.Add(20*time.Second)))
	tr.finish("a")
	require.Zero(t, tr.rate("a", base.Add(time.Second)))
}

func TestEventRecord(t *testing.T) {
	res := &models.ItemResult{
		Item:     &models.Item{ID: "1", FileURL: itemURL("1")},
		Outcomes: []models.SaveOutcome{{Root: models.RootPrimary, Kind: models.OutcomeSaved, Path: "/dl/1.png"}},
		Bytes:    42,
		MD5:      "0123456789abcdef0123456789abcdef",
	}
	ev := Event{Kind: EventEntrySucceeded, Entry: &EntryStatus{ID: "e1", ItemID: "1", State: models.EntrySucceeded, Result: res}}
	rec, ok := ev.Record()
	require.True(t, ok)
	require.Equal(t, "/dl/1.png", rec.Path)
	require.Equal(t, "primary:saved", rec.Outcomes)
	require.Equal(t, int64(42), rec.Bytes)

	_, ok = Event{Kind: EventEntryDispatched, Entry: &EntryStatus{State: models.EntryDispatched}}.Record()
	require.False(t, ok)
}

// Tests below run the real item pipeline against mocked HTTP.

type engine struct {
	fs        afero.Fs
	transport *httpmock.MockTransport
	sched     *Scheduler
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *engine {
	t.Helper()
	fs := afero.NewMemMapFs()
	transport := httpmock.NewMockTransport()
	dl := downloader.New(cfg, fs, &http.Client{Transport: transport}, nil)
	t.Cleanup(func() { dl.Close() })
	return &engine{fs: fs, transport: transport, sched: New(cfg, dl, nil, opts...)}
}

func (e *engine) files(t *testing.T) []string {
	t.Helper()
	var out []string
	err := afero.Walk(e.fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestRetryableErrorDispatchedRetriesPlusOne(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		code      string
	}{
		{name: "connection refused", responder: httpmock.NewErrorResponder(refused()), code: transfer.CodeConnection},
		{name: "not found", responder: httpmock.NewStringResponder(http.StatusNotFound, "gone"), code: transfer.CodeNotFound},
		{name: "forbidden", responder: httpmock.NewStringResponder(http.StatusForbidden, "no"), code: transfer.CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxAutomaticRetries = 2
			e := newEngine(t, cfg)
			e.transport.RegisterResponder(http.MethodGet, itemURL("a"), tt.responder)

			require.NoError(t, e.sched.Add(entry("a")))
			e.sched.Close()
			require.NoError(t, e.sched.Start(context.Background()))
			sum := wait(t, e.sched)

			require.Equal(t, 3, e.transport.GetCallCountInfo()["GET "+itemURL("a")])
			require.Equal(t, 1, sum.Failed)
			require.Equal(t, 2, sum.Retries)
			require.Equal(t, 3, sum.ErrorsByType[tt.code])

			st, _ := e.sched.Entry("a")
			require.Equal(t, models.EntryFailedFatal, st.State)
			require.Equal(t, 3, st.Dispatches)
			require.Equal(t, 2, st.Retries)
			require.Empty(t, e.files(t))
		})
	}
}

func TestThreeItemBatchWithOneRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Simultaneous = 2
	cfg.MaxAutomaticRetries = 1
	e := newEngine(t, cfg)

	var bCalls atomic.Int32
	e.transport.RegisterResponder(http.MethodGet, itemURL("A"), httpmock.NewStringResponder(http.StatusOK, "content A"))
	e.transport.RegisterResponder(http.MethodGet, itemURL("B"), func(req *http.Request) (*http.Response, error) {
		if bCalls.Add(1) == 1 {
			return nil, refused()
		}
		return httpmock.NewStringResponse(http.StatusOK, "content B"), nil
	})
	e.transport.RegisterResponder(http.MethodGet, itemURL("C"), httpmock.NewStringResponder(http.StatusOK, "content C"))

	require.NoError(t, e.sched.Add(entry("A"), entry("B"), entry("C")))
	e.sched.Close()
	require.NoError(t, e.sched.Start(context.Background()))
	sum := wait(t, e.sched)

	require.Equal(t, 3, sum.Succeeded)
	require.Equal(t, 0, sum.Failed)
	require.Equal(t, 1, sum.Retries)
	st, _ := e.sched.Entry("B")
	require.Equal(t, 1, st.Retries)
	require.Equal(t, int32(2), bCalls.Load())

	for _, id := range []string{"A", "B", "C"} {
		data, err := afero.ReadFile(e.fs, "/dl/"+id+".png")
		require.NoError(t, err)
		require.Equal(t, "content "+id, string(data))
	}
	require.Equal(t, int64(len("content A")*3), sum.Bytes)
}

type blockingBody struct {
	once    sync.Once
	started chan<- string
	id      string
	closed  chan struct{}
	sent    bool
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		b.started <- b.id
		return copy(p, "partial bytes"), nil
	}
	<-b.closed
	return 0, errors.New("read on closed body")
}

func (b *blockingBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// gatedBody hands out its first chunk, then waits for release before
// finishing with io.EOF.
type gatedBody struct {
	started     chan<- string
	id          string
	release     <-chan struct{}
	reads       int
	eof         atomic.Bool
	closedEarly atomic.Bool
}

func (b *gatedBody) Read(p []byte) (int, error) {
	b.reads++
	switch b.reads {
	case 1:
		b.started <- b.id
		return copy(p, "first chunk "), nil
	case 2:
		<-b.release
		return copy(p, "second chunk"), nil
	}
	b.eof.Store(true)
	return 0, io.EOF
}

func (b *gatedBody) Close() error {
	if !b.eof.Load() {
		b.closedEarly.Store(true)
	}
	return nil
}

func TestCancelLeavesNoPartialFiles(t *testing.T) {
	cfg := testConfig()
	cfg.Simultaneous = 2
	cfg.FavoritesRoot = "/favs"
	cfg.FavoritesTemplate = "%id%.%ext%"
	cfg.AlwaysFavorites = true
	rec := &recorder{}
	e := newEngine(t, cfg, WithObserver(rec))

	started := make(chan string, 3)
	for _, id := range []string{"a", "b", "c"} {
		id := id
		e.transport.RegisterResponder(http.MethodGet, itemURL(id), func(req *http.Request) (*http.Response, error) {
			body := &blockingBody{started: started, id: id, closed: make(chan struct{})}
			return &http.Response{StatusCode: http.StatusOK, ContentLength: -1, Header: http.Header{}, Body: body, Request: req}, nil
		})
	}

	require.NoError(t, e.sched.Add(entry("a"), entry("b"), entry("c")))
	e.sched.Close()
	require.NoError(t, e.sched.Start(context.Background()))
	<-started
	<-started
	e.sched.Cancel()
	sum := wait(t, e.sched)

	require.Equal(t, 3, sum.Cancelled)
	require.Equal(t, 0, sum.Failed)
	require.Equal(t, 3, rec.count(EventEntryCancelled))
	require.Equal(t, 1, rec.count(EventBatchCancelled))
	for _, f := range e.files(t) {
		require.False(t, strings.HasSuffix(f, hashindex.PartialSuffix), "partial file %s left behind", f)
	}
	require.Empty(t, e.files(t))
}
