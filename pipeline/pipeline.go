// Package pipeline writes per-entry outcome records to the batch report
// asynchronously and in batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when workers do not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

// drainTimeout bounds how long Close waits for pending writes.
var drainTimeout = 10 * time.Second

// OutputWriter defines the interface for report output.
type OutputWriter interface {
	Write(records []*models.OutcomeRecord) error
	Close() error
	Validate() error
}

// Pipeline coordinates validation, de-duplication, and report writing.
type Pipeline struct {
	ctx       context.Context
	writer    OutputWriter
	recordCh  chan *models.OutcomeRecord
	batchSize int
	log       *slog.Logger

	wg sync.WaitGroup

	seen   map[string]struct{}
	seenMu sync.Mutex

	stats counters

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a modest in-memory buffer. Records
// submitted after ctx is done are rejected.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config) *Pipeline {
	batchSize := cfg.ReportBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Pipeline{
		ctx:       ctx,
		writer:    writer,
		recordCh:  make(chan *models.OutcomeRecord, 512),
		batchSize: batchSize,
		log:       slog.Default().With(slog.String("item", "Pipeline")),
		seen:      make(map[string]struct{}),
		shutdown:  make(chan struct{}),
	}
}

// SetLogger replaces the pipeline logger.
func (p *Pipeline) SetLogger(log *slog.Logger) {
	if log != nil {
		p.log = log.With(slog.String("item", "Pipeline"))
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues records for downstream writing.
func (p *Pipeline) Process(records ...*models.OutcomeRecord) error {
	if len(records) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := p.enqueue(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for workers to finish and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.recordCh)
	})

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		p.signalShutdown()
		return fmt.Errorf("%w after %s", ErrPipelineCloseTimeout, drainTimeout)
	}
	p.signalShutdown()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return p.stats.load()
}

// LogStats logs the counters at debug level every interval in which they
// changed, until the pipeline shuts down.
func (p *Pipeline) LogStats(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		var last Stats
		for {
			select {
			case <-p.shutdown:
				return
			case <-ticker.C:
			}
			if st := p.Stats(); st != last {
				last = st
				p.log.Debug("report progress", slog.Any("report", st))
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.OutcomeRecord, 0, p.batchSize)
	for rec := range p.recordCh {
		if rec = p.prepare(rec); rec == nil {
			continue
		}
		if batch = append(batch, rec); len(batch) < p.batchSize {
			continue
		}
		if err := p.flush(batch); err != nil {
			p.setErr(err)
			return
		}
		batch = batch[:0]
	}
	p.setErr(p.flush(batch))
}

func (p *Pipeline) flush(batch []*models.OutcomeRecord) error {
	if len(batch) == 0 {
		return nil
	}
	if err := p.writer.Write(batch); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	p.stats.written.Add(int64(len(batch)))
	p.stats.flushes.Add(1)
	return nil
}

// prepare drops malformed records and exact repeats. A retried entry may
// legitimately produce one record per terminal state it reached.
func (p *Pipeline) prepare(rec *models.OutcomeRecord) *models.OutcomeRecord {
	if strings.TrimSpace(rec.EntryID) == "" || rec.State == "" {
		p.stats.invalid.Add(1)
		return nil
	}

	key := rec.EntryID + "|" + rec.State + "|" + rec.FinishedAt.Format(time.RFC3339Nano)
	p.seenMu.Lock()
	if _, ok := p.seen[key]; ok {
		p.seenMu.Unlock()
		p.stats.duplicates.Add(1)
		return nil
	}
	p.seen[key] = struct{}{}
	p.seenMu.Unlock()

	rec.URL = strings.TrimSpace(rec.URL)
	rec.Error = strings.TrimSpace(rec.Error)
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	return rec
}

func (p *Pipeline) enqueue(rec *models.OutcomeRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.recordCh <- rec:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.log.Error("report writer failed", slog.Any("error", err))
	p.signalShutdown()
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

// Stats counts what happened to the records handed to Process.
type Stats struct {
	Written    int64 // records accepted by the writer
	Invalid    int64 // records without an entry id or state
	Duplicates int64 // exact repeats of an earlier record
	Flushes    int64 // writer calls
}

// Dropped is the number of records that never reached the writer.
func (s Stats) Dropped() int64 {
	return s.Invalid + s.Duplicates
}

// LogValue implements slog.LogValuer.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("written", s.Written),
		slog.Int64("invalid", s.Invalid),
		slog.Int64("duplicates", s.Duplicates),
		slog.Int64("flushes", s.Flushes),
	)
}

type counters struct {
	written    atomic.Int64
	invalid    atomic.Int64
	duplicates atomic.Int64
	flushes    atomic.Int64
}

func (c *counters) load() Stats {
	return Stats{
		Written:    c.written.Load(),
		Invalid:    c.invalid.Load(),
		Duplicates: c.duplicates.Load(),
		Flushes:    c.flushes.Load(),
	}
}
