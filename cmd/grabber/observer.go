package main

import (
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-batch-grabber/pipeline"
	"github.com/aluiziolira/go-batch-grabber/scheduler"
)

// batchObserver logs scheduler events and feeds terminal entry outcomes to
// the report pipeline.
type batchObserver struct {
	report *pipeline.Pipeline
	log    *slog.Logger

	mu       sync.Mutex
	reported int
	dropped  int
}

func newBatchObserver(report *pipeline.Pipeline, log *slog.Logger) *batchObserver {
	return &batchObserver{report: report, log: log.With(slog.String("item", "Batch"))}
}

func (o *batchObserver) OnEvent(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventBatchStarted, scheduler.EventBatchPaused, scheduler.EventBatchResumed:
		o.log.Info(string(ev.Kind), slog.String("batch_id", ev.BatchID))
	case scheduler.EventBatchError:
		o.log.Error("batch halted", slog.String("error", ev.Error), slog.String("error_type", ev.ErrorType))
	case scheduler.EventProgress:
		snap := ev.Snapshot
		o.log.Debug("progress",
			slog.Int("done", snap.Succeeded+snap.Failed+snap.Skipped+snap.Cancelled),
			slog.Int("total", snap.Total),
			slog.Int("in_flight", snap.InFlight),
			slog.Int64("bytes", snap.Bytes),
			slog.Float64("speed", snap.Speed),
			slog.Duration("eta", snap.ETA),
		)
	case scheduler.EventEntryURLChanged:
		o.log.Info("file url changed", slog.String("entry", ev.Entry.ID), slog.String("url", ev.Entry.URL))
	}

	rec, ok := ev.Record()
	if !ok {
		return
	}
	o.log.Debug("entry finished", slog.String("entry", rec.EntryID), slog.String("state", rec.State), slog.String("outcomes", rec.Outcomes))

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.report.Process(&rec); err != nil {
		o.dropped++
		o.log.Warn("report record dropped", slog.String("entry", rec.EntryID), slog.Any("error", err))
		return
	}
	o.reported++
}

func (o *batchObserver) counts() (reported, dropped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reported, o.dropped
}
