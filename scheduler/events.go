package scheduler

import (
	"strings"
	"time"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/models"
)

// EventKind identifies an observer event.
type EventKind string

const (
	EventBatchStarted   EventKind = "batch_started"
	EventBatchPaused    EventKind = "batch_paused"
	EventBatchResumed   EventKind = "batch_resumed"
	EventBatchError     EventKind = "batch_error"
	EventBatchCancelled EventKind = "batch_cancelled"
	EventBatchCompleted EventKind = "batch_completed"

	EventEntryQueued     EventKind = "entry_queued"
	EventEntryDispatched EventKind = "entry_dispatched"
	EventEntryProgress   EventKind = "entry_progress"
	EventEntrySpeed      EventKind = "entry_speed"
	EventEntryURLChanged EventKind = "entry_url_changed"
	EventEntrySucceeded  EventKind = "entry_succeeded"
	EventEntryFailed     EventKind = "entry_failed"
	EventEntrySkipped    EventKind = "entry_skipped"
	EventEntryCancelled  EventKind = "entry_cancelled"

	// EventProgress carries an aggregate snapshot on every speed tick.
	EventProgress EventKind = "progress"
)

// Terminal reports whether the event ends the batch. It is always the last
// event of a batch.
func (k EventKind) Terminal() bool {
	return k == EventBatchCompleted || k == EventBatchCancelled
}

// Event is one notification delivered to observers. Fields not relevant to
// the kind are zero.
type Event struct {
	Kind    EventKind
	BatchID string
	Time    time.Time

	Entry *EntryStatus

	Received int64
	Total    int64
	Speed    float64

	// Retryable is set on EventEntryFailed when the entry is queued again.
	Retryable bool
	Error     string
	ErrorType string

	Snapshot  *Snapshot
	Summary   *models.BatchSummary
	EndAction config.EndAction
}

// Observer receives scheduler events in order from a single goroutine. It
// may call back into the scheduler.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) {
	f(ev)
}

// EntryStatus is a copy of one entry's state.
type EntryStatus struct {
	ID         string
	ItemID     string
	URL        string
	Group      string
	SiteIndex  int
	State      models.EntryState
	Retries    int
	Dispatches int
	Received   int64
	Total      int64
	Speed      float64
	Result     *models.ItemResult
	Error      string
	FinishedAt time.Time
}

// Record converts a terminal entry event into a report row.
func (ev Event) Record() (models.OutcomeRecord, bool) {
	if ev.Entry == nil || !ev.Entry.State.IsTerminal() {
		return models.OutcomeRecord{}, false
	}
	e := ev.Entry
	rec := models.OutcomeRecord{
		EntryID:    e.ID,
		ItemID:     e.ItemID,
		Group:      e.Group,
		URL:        e.URL,
		State:      string(e.State),
		Retries:    e.Retries,
		Error:      e.Error,
		FinishedAt: e.FinishedAt,
	}
	if res := e.Result; res != nil {
		parts := make([]string, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			parts = append(parts, o.String())
			if rec.Path == "" && o.Kind != models.OutcomeError {
				rec.Path = o.Path
			}
		}
		rec.Outcomes = strings.Join(parts, ";")
		rec.MD5 = res.MD5
		rec.Bytes = res.Bytes
		if res.Item != nil {
			rec.URL = res.Item.FileURL
		}
	}
	return rec, true
}
