// Package transfer streams one HTTP response body into one or more files.
package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const (
	bufferSize = 32 * 1024
	sniffLen   = 512
)

// ProgressFunc receives byte progress; total is -1 while unknown.
type ProgressFunc func(received, total int64)

// Result describes a completed transfer.
type Result struct {
	Paths []string
	Bytes int64
	MD5   string
	// Head holds the first bytes of the stream for format sniffing.
	Head []byte
}

// Transfer writes response bodies to files on fs.
type Transfer struct {
	fs       afero.Fs
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// New builds a Transfer. interval bounds how often progress is reported.
func New(fs afero.Fs, interval time.Duration, log *slog.Logger) *Transfer {
	if log == nil {
		log = slog.Default()
	}
	return &Transfer{
		fs:       fs,
		interval: interval,
		now:      time.Now,
		log:      log.With(slog.String("item", "Transfer")),
	}
}

// Handle tracks one running transfer.
type Handle struct {
	done   chan struct{}
	result Result
	err    error
}

// Done is closed once the transfer reached its terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the transfer finishes and returns its terminal result.
func (h *Handle) Wait() (Result, error) {
	<-h.done
	return h.result, h.err
}

// Start opens every destination and begins streaming resp.Body into all of
// them. It fails synchronously when the response is already an error or a
// destination cannot be created; in that case nothing is left on disk and
// the body is closed. Otherwise the returned handle reports exactly one
// terminal result, and on failure every destination is removed.
func (t *Transfer) Start(ctx context.Context, resp *http.Response, progress ProgressFunc, paths ...string) (*Handle, error) {
	if len(paths) == 0 {
		closeBody(resp)
		return nil, fmt.Errorf("transfer: no destination paths")
	}
	if resp == nil {
		return nil, &NetworkError{Code: CodeNoResponse, Message: "no response"}
	}
	if err := Classify(nil, resp.StatusCode); err != nil {
		closeBody(resp)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		closeBody(resp)
		return nil, Classify(err, 0)
	}

	files := make([]afero.File, 0, len(paths))
	for _, p := range paths {
		f, err := t.create(p)
		if err != nil {
			closeFiles(files)
			t.removeAll(paths[:len(files)])
			closeBody(resp)
			return nil, &DestinationError{Path: p, Err: err}
		}
		files = append(files, f)
	}

	h := &Handle{done: make(chan struct{})}
	go t.stream(ctx, h, resp, progress, paths, files)
	return h, nil
}

func (t *Transfer) create(p string) (afero.File, error) {
	if p == "" {
		return nil, fmt.Errorf("empty path")
	}
	if dir := filepath.Dir(p); dir != "" && dir != "." {
		if err := t.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if info, err := t.fs.Stat(p); err == nil && info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}
	return t.fs.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

func (t *Transfer) stream(ctx context.Context, h *Handle, resp *http.Response, progress ProgressFunc, paths []string, files []afero.File) {
	defer close(h.done)

	stop := context.AfterFunc(ctx, func() {
		resp.Body.Close()
	})
	defer stop()
	defer resp.Body.Close()

	total := resp.ContentLength
	if total <= 0 {
		total = -1
	}

	hasher := md5.New()
	head := &headWriter{max: sniffLen}
	writers := make([]io.Writer, 0, len(files)+2)
	for _, f := range files {
		writers = append(writers, f)
	}
	writers = append(writers, hasher, head)
	sink := io.MultiWriter(writers...)

	received, err := t.copy(ctx, sink, resp.Body, total, progress)
	if err == nil && total > 0 && received < total {
		err = &NetworkError{Code: CodeTruncated, Message: fmt.Sprintf("received %d of %d bytes", received, total)}
	}
	if err != nil {
		closeFiles(files)
		t.removeAll(paths)
		h.err = err
		t.log.Debug("transfer failed", slog.Any("paths", paths), slog.Int64("received", received), slog.Any("error", err))
		return
	}

	for i, f := range files {
		if syncErr := f.Sync(); syncErr != nil && err == nil {
			err = &DestinationError{Path: paths[i], Err: syncErr}
		}
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = &DestinationError{Path: paths[i], Err: closeErr}
		}
	}
	if err != nil {
		t.removeAll(paths)
		h.err = err
		return
	}

	if progress != nil {
		progress(received, received)
	}
	h.result = Result{
		Paths: paths,
		Bytes: received,
		MD5:   hexSum(hasher),
		Head:  head.buf,
	}
}

func (t *Transfer) copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, bufferSize)
	var received int64
	last := t.now()

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				var pathErr *os.PathError
				if errors.As(err, &pathErr) {
					return received, &DestinationError{Path: pathErr.Path, Err: err}
				}
				return received, &DestinationError{Err: err}
			}
			received += int64(n)
			if progress != nil {
				if now := t.now(); now.Sub(last) >= t.interval {
					last = now
					progress(received, total)
				}
			}
		}
		if readErr == io.EOF {
			return received, nil
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return received, Classify(ctxErr, 0)
			}
			return received, Classify(readErr, 0)
		}
	}
}

func (t *Transfer) removeAll(paths []string) {
	for _, p := range paths {
		if err := t.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			t.log.Warn("remove partial file", slog.String("path", p), slog.Any("error", err))
		}
	}
}

func closeFiles(files []afero.File) {
	for _, f := range files {
		f.Close()
	}
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

type headWriter struct {
	buf []byte
	max int
}

func (w *headWriter) Write(p []byte) (int, error) {
	if room := w.max - len(w.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}
	return len(p), nil
}
