// Package scheduler drives a batch of queue entries through bounded
// concurrent item pipelines and reports progress to observers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/downloader"
	"github.com/aluiziolira/go-batch-grabber/models"
	"github.com/aluiziolira/go-batch-grabber/transfer"
)

var (
	ErrBatchFinished  = errors.New("scheduler: batch already finished")
	ErrBatchActive    = errors.New("scheduler: batch is still active")
	ErrAlreadyStarted = errors.New("scheduler: batch already started")
	ErrNotRunning     = errors.New("scheduler: batch is not running")
	ErrClosed         = errors.New("scheduler: batch no longer accepts entries")
	ErrUnknownEntry   = errors.New("scheduler: unknown entry")
	ErrNotSkippable   = errors.New("scheduler: entry already finished")
)

// State is the batch lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the batch is over.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Downloader runs the pipeline of one entry.
type Downloader interface {
	Download(ctx context.Context, entry models.QueueEntry, progress transfer.ProgressFunc) (*models.ItemResult, error)
	CheckRoots() error
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces the wall clock used for speed buckets and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type entryState struct {
	entry         models.QueueEntry
	state         models.EntryState
	retries       int
	dispatches    int
	skipRequested bool
	cancel        context.CancelFunc
	received      int64
	total         int64
	speed         float64
	result        *models.ItemResult
	failure       string
	finishedAt    time.Time
}

// Scheduler owns all batch state behind one mutex. Pipelines report back
// only through complete and progress.
type Scheduler struct {
	cfg       *config.Config
	dl        Downloader
	log       *slog.Logger
	metrics   *Metrics
	observers []Observer
	now       func() time.Time

	mu           sync.Mutex
	state        State
	batchID      string
	limit        int
	closed       bool
	cancelling   bool
	entries      []*entryState
	byID         map[string]*entryState
	queue        []*entryState
	inFlight     map[string]*entryState
	groups       []*models.Group
	pageGroup    *models.Group
	blocked      error
	retries      int
	bytes        int64
	errorsByType map[string]int
	speed        *speedTracker
	started      time.Time
	finished     time.Time
	endAction    config.EndAction
	summary      models.BatchSummary

	ctx        context.Context
	cancel     context.CancelFunc
	stopParent func() bool
	stopTicker chan struct{}

	pending        []Event
	wake           chan struct{}
	delivering     bool
	terminalQueued bool
	done           chan struct{}
}

// New builds an idle scheduler.
func New(cfg *config.Config, dl Downloader, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		cfg:   cfg,
		dl:    dl,
		log:   log.With(slog.String("item", "Scheduler")),
		now:   time.Now,
		limit: max(cfg.Simultaneous, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	return s
}

func (s *Scheduler) resetLocked() {
	s.state = StateIdle
	s.batchID = ""
	s.closed = false
	s.cancelling = false
	s.entries = nil
	s.byID = make(map[string]*entryState)
	s.queue = nil
	s.inFlight = make(map[string]*entryState)
	s.groups = nil
	s.pageGroup = nil
	s.blocked = nil
	s.retries = 0
	s.bytes = 0
	s.errorsByType = make(map[string]int)
	s.speed = newSpeedTracker(s.cfg.SpeedWindow)
	s.started = time.Time{}
	s.finished = time.Time{}
	s.endAction = ""
	s.summary = models.BatchSummary{}
	s.ctx, s.cancel, s.stopParent, s.stopTicker = nil, nil, nil, nil
	s.pending = nil
	s.wake = make(chan struct{}, 1)
	s.delivering = false
	s.terminalQueued = false
	s.done = make(chan struct{})
}

// Add appends entries to the queue. Entries may be added while the batch
// runs; the total grows accordingly. Entries without an ID get one.
func (s *Scheduler) Add(entries ...models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || s.cancelling {
		return ErrBatchFinished
	}
	if s.closed {
		return ErrClosed
	}

	seen := make(map[string]struct{}, len(entries))
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
		if err := entries[i].Validate(); err != nil {
			return err
		}
		id := entries[i].ID
		if _, ok := s.byID[id]; ok {
			return fmt.Errorf("scheduler: duplicate entry id %q", id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("scheduler: duplicate entry id %q", id)
		}
		seen[id] = struct{}{}
	}

	for _, entry := range entries {
		es := &entryState{entry: entry, state: models.EntryQueued, total: -1}
		s.entries = append(s.entries, es)
		s.byID[entry.ID] = es
		s.queue = append(s.queue, es)
		if entry.Group != nil && entry.SiteIndex(s.groups) == models.NotGrouped {
			s.groups = append(s.groups, entry.Group)
		}
		s.emitLocked(Event{Kind: EventEntryQueued, Entry: s.statusLocked(es)})
	}
	s.dispatchLocked()
	return nil
}

// Close marks the entry list complete. The batch finishes once every entry
// reached a terminal state.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.dispatchLocked()
}

// Start begins dispatching. Cancelling ctx cancels the batch.
func (s *Scheduler) Start(ctx context.Context) error {
	rootErr := s.dl.CheckRoots()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.cancelling {
		return ErrAlreadyStarted
	}

	s.batchID = uuid.NewString()
	s.state = StateRunning
	s.started = s.now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopParent = context.AfterFunc(ctx, s.Cancel)
	s.stopTicker = make(chan struct{})
	go s.tick(s.stopTicker)
	s.startDeliveryLocked()

	s.log.Info("batch started",
		slog.String("batch_id", s.batchID),
		slog.Int("entries", len(s.entries)),
		slog.Int("simultaneous", s.limit),
	)
	s.emitLocked(Event{Kind: EventBatchStarted})
	if rootErr != nil {
		s.blockLocked(rootErr)
	}
	s.dispatchLocked()
	return nil
}

// Pause stops dispatching new entries. In-flight entries finish.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.cancelling {
		return ErrNotRunning
	}
	s.state = StatePaused
	s.emitLocked(Event{Kind: EventBatchPaused})
	return nil
}

// Resume continues a paused batch. A batch halted by a missing destination
// root resumes only once the roots can be created again.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	if (s.state != StateRunning && s.state != StatePaused) || s.cancelling {
		s.mu.Unlock()
		return ErrNotRunning
	}
	blocked := s.blocked != nil
	s.mu.Unlock()

	var rootErr error
	if blocked {
		rootErr = s.dl.CheckRoots()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if (s.state != StateRunning && s.state != StatePaused) || s.cancelling {
		return ErrNotRunning
	}
	if rootErr != nil {
		return rootErr
	}
	if s.state == StateRunning && s.blocked == nil {
		return nil
	}
	s.state = StateRunning
	s.blocked = nil
	s.emitLocked(Event{Kind: EventBatchResumed})
	s.dispatchLocked()
	return nil
}

// Skip drops an entry. A queued entry is skipped immediately. An in-flight
// one keeps running; its result is discarded and the entry is marked skipped
// when the pipeline returns.
func (s *Scheduler) Skip(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	es, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	switch es.state {
	case models.EntryQueued:
		s.removeQueuedLocked(es)
		s.settleLocked(es, models.EntrySkipped)
		s.dispatchLocked()
	case models.EntryDispatched:
		es.skipRequested = true
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotSkippable, id, es.state)
	}
	return nil
}

// Cancel aborts in-flight pipelines and cancels every remaining entry.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.dispatchLocked()
}

// SetConcurrencyLimit changes how many entries may run at once. It only
// affects future dispatch; values below 1 mean 1.
func (s *Scheduler) SetConcurrencyLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = max(n, 1)
	s.dispatchLocked()
}

// RetryFailed queues every fatally failed entry again with a fresh retry
// counter and returns how many were queued.
func (s *Scheduler) RetryFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.cancelling {
		return 0
	}

	n := 0
	for _, es := range s.entries {
		if es.state != models.EntryFailedFatal {
			continue
		}
		es.state = models.EntryQueued
		es.retries = 0
		es.failure = ""
		es.result = nil
		es.finishedAt = time.Time{}
		s.queue = append(s.queue, es)
		s.emitLocked(Event{Kind: EventEntryQueued, Entry: s.statusLocked(es)})
		n++
	}
	s.dispatchLocked()
	return n
}

// Wait blocks until the batch finished and every event was delivered.
func (s *Scheduler) Wait(ctx context.Context) (models.BatchSummary, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return models.BatchSummary{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sum := s.summary
	sum.ErrorsByType = make(map[string]int, len(s.summary.ErrorsByType))
	for k, v := range s.summary.ErrorsByType {
		sum.ErrorsByType[k] = v
	}
	sum.FailedURLs = append([]string(nil), s.summary.FailedURLs...)
	return sum, nil
}

// EndAction returns the action the host should run. It is resolved from the
// configuration once the batch completes or is cancelled.
func (s *Scheduler) EndAction() (config.EndAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endAction, s.state.Terminal()
}

// Reset clears a finished or never started batch.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	if s.state != StateIdle && !s.state.Terminal() {
		s.mu.Unlock()
		return ErrBatchActive
	}
	done, delivering := s.done, s.delivering
	s.mu.Unlock()

	if delivering {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

// State returns the batch state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) dispatchLocked() {
	if s.state == StateRunning && s.blocked == nil && !s.cancelling {
		for len(s.inFlight) < s.limit && len(s.queue) > 0 {
			es := s.queue[0]
			s.queue = s.queue[1:]
			s.launchLocked(es)
		}
	}
	s.finishIfDoneLocked()
}

func (s *Scheduler) launchLocked(es *entryState) {
	ctx, cancel := context.WithCancel(s.ctx)
	id := es.entry.ID

	es.state = models.EntryDispatched
	es.cancel = cancel
	es.dispatches++
	es.received, es.total, es.speed = 0, -1, 0
	s.inFlight[id] = es
	s.speed.start(id, s.now())
	if es.entry.Group != nil {
		s.pageGroup = es.entry.Group
	}

	s.metrics.IncDispatch()
	s.metrics.SetInFlight(len(s.inFlight))
	s.emitLocked(Event{Kind: EventEntryDispatched, Entry: s.statusLocked(es)})

	entry := es.entry
	go s.run(ctx, es, entry)
}

func (s *Scheduler) run(ctx context.Context, es *entryState, entry models.QueueEntry) {
	start := time.Now()
	res, err := s.dl.Download(ctx, entry, func(received, total int64) {
		s.progress(es, received, total)
	})
	s.metrics.ObserveDuration(time.Since(start))
	s.complete(es, res, err)
}

func (s *Scheduler) progress(es *entryState, received, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if es.state != models.EntryDispatched {
		return
	}
	if delta := received - es.received; delta > 0 {
		s.speed.add(es.entry.ID, delta, s.now())
		s.bytes += delta
		s.metrics.AddBytes(delta)
	}
	es.received = received
	es.total = total
	s.emitLocked(Event{Kind: EventEntryProgress, Entry: s.statusLocked(es), Received: received, Total: total})
}

func (s *Scheduler) complete(es *entryState, res *models.ItemResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es.cancel()
	id := es.entry.ID
	delete(s.inFlight, id)
	s.speed.finish(id)
	s.metrics.SetInFlight(len(s.inFlight))
	es.result = res
	es.speed = 0

	if s.ctx.Err() != nil {
		s.cancelLocked()
	}

	var folderErr *downloader.BatchFolderError
	switch {
	case es.skipRequested:
		s.settleLocked(es, models.EntrySkipped)

	case s.cancelling:
		s.settleLocked(es, models.EntryCancelled)

	case errors.As(err, &folderErr):
		es.state = models.EntryQueued
		s.queue = append([]*entryState{es}, s.queue...)
		s.blockLocked(err)

	case err != nil:
		s.failLocked(es, err.Error(), downloader.ErrorTypeLabel(err))

	case res.Succeeded():
		if res.URLChanged {
			s.emitLocked(Event{Kind: EventEntryURLChanged, Entry: s.statusLocked(es)})
		}
		s.settleLocked(es, models.EntrySucceeded)

	case res.Retryable() && es.retries < s.cfg.MaxAutomaticRetries:
		first, _ := res.FirstError()
		label := downloader.OutcomeLabel(first)
		es.retries++
		s.retries++
		s.errorsByType[label]++
		s.metrics.IncError(label)
		s.metrics.IncRetries()
		es.state = models.EntryFailedRetryable
		s.log.Warn("entry failed, retrying",
			slog.String("entry", id),
			slog.String("error_type", label),
			slog.Int("retry", es.retries),
		)
		s.emitLocked(Event{
			Kind:      EventEntryFailed,
			Entry:     s.statusLocked(es),
			Retryable: true,
			Error:     first.Message,
			ErrorType: label,
		})
		es.state = models.EntryQueued
		s.queue = append(s.queue, es)

	default:
		first, _ := res.FirstError()
		s.failLocked(es, first.Message, downloader.OutcomeLabel(first))
	}

	s.dispatchLocked()
}

func (s *Scheduler) settleLocked(es *entryState, state models.EntryState) {
	es.state = state
	es.finishedAt = s.now()
	s.metrics.IncEntry(string(state))

	var kind EventKind
	switch state {
	case models.EntrySucceeded:
		kind = EventEntrySucceeded
	case models.EntrySkipped:
		kind = EventEntrySkipped
	default:
		kind = EventEntryCancelled
	}
	s.emitLocked(Event{Kind: kind, Entry: s.statusLocked(es)})
}

func (s *Scheduler) failLocked(es *entryState, message, label string) {
	es.state = models.EntryFailedFatal
	es.failure = message
	es.finishedAt = s.now()
	s.errorsByType[label]++
	s.metrics.IncError(label)
	s.metrics.IncEntry(string(models.EntryFailedFatal))

	s.log.Error("entry failed",
		slog.String("entry", es.entry.ID),
		slog.String("url", es.entry.Item.FileURL),
		slog.String("error_type", label),
		slog.String("error", message),
	)
	s.emitLocked(Event{
		Kind:      EventEntryFailed,
		Entry:     s.statusLocked(es),
		Error:     message,
		ErrorType: label,
	})
}

func (s *Scheduler) blockLocked(err error) {
	if s.blocked != nil {
		return
	}
	s.blocked = err
	s.log.Error("destination root unavailable, dispatch halted", slog.Any("error", err))
	s.emitLocked(Event{Kind: EventBatchError, Error: err.Error(), ErrorType: downloader.ErrorTypeLabel(err)})
}

func (s *Scheduler) cancelLocked() {
	if s.state.Terminal() || s.cancelling {
		return
	}
	s.cancelling = true
	if s.batchID == "" {
		s.batchID = uuid.NewString()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for _, es := range s.inFlight {
		es.cancel()
	}
	for _, es := range s.queue {
		s.settleLocked(es, models.EntryCancelled)
	}
	s.queue = nil
	s.startDeliveryLocked()
}

func (s *Scheduler) removeQueuedLocked(es *entryState) {
	for i, q := range s.queue {
		if q == es {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) finishIfDoneLocked() {
	if s.state.Terminal() || len(s.inFlight) > 0 {
		return
	}
	if s.cancelling {
		s.finishLocked(StateCancelled)
		return
	}
	if s.state == StateIdle || !s.closed || len(s.queue) > 0 {
		return
	}
	s.finishLocked(StateCompleted)
}

func (s *Scheduler) finishLocked(state State) {
	s.state = state
	s.finished = s.now()
	s.endAction = config.EndActionNone
	if action, err := config.ParseEndAction(string(s.cfg.EndAction)); err == nil {
		s.endAction = action
	}
	if s.stopTicker != nil {
		close(s.stopTicker)
		s.stopTicker = nil
	}
	if s.stopParent != nil {
		s.stopParent()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.summary = s.summaryLocked()

	kind := EventBatchCompleted
	if state == StateCancelled {
		kind = EventBatchCancelled
	}
	s.log.Info("batch finished",
		slog.String("batch_id", s.batchID),
		slog.String("state", string(state)),
		slog.Int("succeeded", s.summary.Succeeded),
		slog.Int("failed", s.summary.Failed),
		slog.Int("retries", s.summary.Retries),
		slog.String("end_action", string(s.endAction)),
	)
	summary := s.summary
	s.emitLocked(Event{Kind: kind, Summary: &summary, EndAction: s.endAction})
	s.terminalQueued = true
}

func (s *Scheduler) summaryLocked() models.BatchSummary {
	sum := models.BatchSummary{
		BatchID:      s.batchID,
		StartTime:    s.started,
		EndTime:      s.finished,
		Total:        len(s.entries),
		Retries:      s.retries,
		Bytes:        s.bytes,
		ErrorsByType: make(map[string]int, len(s.errorsByType)),
		EndAction:    string(s.endAction),
	}
	for k, v := range s.errorsByType {
		sum.ErrorsByType[k] = v
	}
	for _, es := range s.entries {
		switch es.state {
		case models.EntrySucceeded:
			sum.Succeeded++
			if es.result.DuplicateHandled() {
				sum.DuplicateHandled++
			}
		case models.EntrySkipped:
			sum.Skipped++
		case models.EntryFailedFatal:
			sum.Failed++
			sum.FailedURLs = append(sum.FailedURLs, es.entry.Item.FileURL)
		case models.EntryCancelled:
			sum.Cancelled++
		}
	}
	return sum
}

func (s *Scheduler) statusLocked(es *entryState) *EntryStatus {
	st := &EntryStatus{
		ID:         es.entry.ID,
		ItemID:     es.entry.Item.ID,
		URL:        es.entry.Item.FileURL,
		Group:      es.entry.GroupName(),
		SiteIndex:  es.entry.SiteIndex(s.groups),
		State:      es.state,
		Retries:    es.retries,
		Dispatches: es.dispatches,
		Received:   es.received,
		Total:      es.total,
		Speed:      es.speed,
		Result:     es.result,
		Error:      es.failure,
		FinishedAt: es.finishedAt,
	}
	return st
}

func (s *Scheduler) tick(stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.SpeedTick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.mu.Lock()
			s.tickLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) tickLocked() {
	if s.state.Terminal() || len(s.inFlight) == 0 {
		return
	}
	now := s.now()
	for _, es := range s.entries {
		if es.state != models.EntryDispatched {
			continue
		}
		es.speed = s.speed.rate(es.entry.ID, now)
		s.emitLocked(Event{Kind: EventEntrySpeed, Entry: s.statusLocked(es), Speed: es.speed})
	}
	snap := s.snapshotLocked()
	s.emitLocked(Event{Kind: EventProgress, Snapshot: &snap, Speed: snap.Speed})
}

func (s *Scheduler) emitLocked(ev Event) {
	if s.terminalQueued {
		return
	}
	ev.BatchID = s.batchID
	ev.Time = s.now()
	s.pending = append(s.pending, ev)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) startDeliveryLocked() {
	if s.delivering {
		return
	}
	s.delivering = true
	go s.deliver(s.wake, s.done)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver hands queued events to observers outside the lock, in order,
// until the terminal event went out.
func (s *Scheduler) deliver(wake <-chan struct{}, done chan struct{}) {
	defer close(done)
	for range wake {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			for _, o := range s.observers {
				o.OnEvent(ev)
			}
			if ev.Kind.Terminal() {
				return
			}
		}
	}
}
