package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/parser"
	"github.com/aluiziolira/go-batch-grabber/transfer"
)

// DetailFetcher loads the metadata of an item from its detail page.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, detailURL string) (parser.Detail, error)
}

// CollyDetailFetcher fetches detail pages with a colly collector.
type CollyDetailFetcher struct {
	userAgent string
	timeout   time.Duration
	transport http.RoundTripper
	requests  int64
	log       *slog.Logger
}

// NewCollyDetailFetcher builds a fetcher whose requests go through transport.
// A nil transport means http.DefaultTransport.
func NewCollyDetailFetcher(cfg *config.Config, transport http.RoundTripper, log *slog.Logger) *CollyDetailFetcher {
	if log == nil {
		log = slog.Default()
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CollyDetailFetcher{
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		transport: transport,
		log:       log.With(slog.String("item", "DetailFetcher")),
	}
}

// collector returns a synchronous collector bound to ctx. Clones share the
// HTTP backend, so every call gets its own collector.
func (f *CollyDetailFetcher) collector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(f.userAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(f.timeout)
	c.WithTransport(&contextTransport{base: f.transport, ctx: ctx})
	return c
}

// Requests returns how many detail pages were requested.
func (f *CollyDetailFetcher) Requests() int64 {
	return atomic.LoadInt64(&f.requests)
}

// FetchDetail visits detailURL and parses the page.
func (f *CollyDetailFetcher) FetchDetail(ctx context.Context, detailURL string) (parser.Detail, error) {
	c := f.collector(ctx)

	var (
		detail  parser.Detail
		found   bool
		fetched error
	)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		atomic.AddInt64(&f.requests, 1)
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		detail = parser.ParseDetail(e.DOM, e.Request.AbsoluteURL)
		found = true
	})
	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetched = transfer.Classify(err, status)
	})

	if err := c.Visit(detailURL); err != nil && fetched == nil {
		fetched = transfer.Classify(err, 0)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		fetched = transfer.Classify(ctxErr, 0)
	}
	if fetched != nil {
		f.log.Debug("detail fetch failed", slog.String("url", detailURL), slog.Any("error", fetched))
		return parser.Detail{}, fetched
	}
	if !found {
		return parser.Detail{}, fmt.Errorf("detail page %q: %w", detailURL, errNoDocument)
	}
	return detail, nil
}

var errNoDocument = errors.New("no html document")

// contextTransport cancels a request, including its body read, once ctx is
// done. The request keeps its own context too, so client timeouts still apply.
type contextTransport struct {
	base http.RoundTripper
	ctx  context.Context
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(t.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releaseOnClose{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releaseOnClose struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
