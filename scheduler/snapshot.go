package scheduler

import (
	"time"

	"github.com/aluiziolira/go-batch-grabber/models"
)

// PageProgress counts the entries of the group currently being downloaded.
type PageProgress struct {
	Group     string
	SiteIndex int
	Done      int
	Total     int
}

// Snapshot is a consistent copy of the batch counters.
type Snapshot struct {
	BatchID string
	State   State
	Blocked bool
	Limit   int

	Total            int
	Queued           int
	InFlight         int
	Succeeded        int
	DuplicateHandled int
	Failed           int
	Skipped          int
	Cancelled        int
	Retries          int

	// Bytes never decreases during a batch.
	Bytes int64
	// Remaining is the known number of bytes still expected from in-flight
	// entries.
	Remaining int64
	Speed     float64
	ETA       time.Duration

	Page PageProgress
}

// Snapshot returns the current counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Entries returns the status of every entry in insertion order.
func (s *Scheduler) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryStatus, 0, len(s.entries))
	for _, es := range s.entries {
		out = append(out, *s.statusLocked(es))
	}
	return out
}

// Entry returns the status of one entry.
func (s *Scheduler) Entry(id string) (EntryStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.byID[id]
	if !ok {
		return EntryStatus{}, false
	}
	return *s.statusLocked(es), true
}

func (s *Scheduler) snapshotLocked() Snapshot {
	snap := Snapshot{
		BatchID:  s.batchID,
		State:    s.state,
		Blocked:  s.blocked != nil,
		Limit:    s.limit,
		Total:    len(s.entries),
		Queued:   len(s.queue),
		InFlight: len(s.inFlight),
		Retries:  s.retries,
		Bytes:    s.bytes,
		Speed:    s.speed.total(s.now()),
	}

	for _, es := range s.entries {
		switch es.state {
		case models.EntrySucceeded:
			snap.Succeeded++
			if es.result.DuplicateHandled() {
				snap.DuplicateHandled++
			}
		case models.EntryFailedFatal:
			snap.Failed++
		case models.EntrySkipped:
			snap.Skipped++
		case models.EntryCancelled:
			snap.Cancelled++
		case models.EntryDispatched:
			if es.total > 0 && es.total > es.received {
				snap.Remaining += es.total - es.received
			}
		}
	}
	if snap.Speed > 0 && snap.Remaining > 0 {
		snap.ETA = time.Duration(float64(snap.Remaining) / snap.Speed * float64(time.Second))
	}

	if g := s.pageGroup; g != nil {
		snap.Page.Group = g.Name
		for i, known := range s.groups {
			if known == g {
				snap.Page.SiteIndex = i + 1
			}
		}
		for _, es := range s.entries {
			if es.entry.Group != g {
				continue
			}
			snap.Page.Total++
			if es.state.IsTerminal() {
				snap.Page.Done++
			}
		}
		if g.Total > snap.Page.Total {
			snap.Page.Total = g.Total
		}
	}
	return snap
}
