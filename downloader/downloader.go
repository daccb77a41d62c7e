// Package downloader runs the save pipeline of a single queue entry: detail
// fetch, destination naming, duplicate detection, transfer and placement.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/hashindex"
	"github.com/aluiziolira/go-batch-grabber/models"
	"github.com/aluiziolira/go-batch-grabber/parser"
	"github.com/aluiziolira/go-batch-grabber/transfer"
)

var errNameCollision = errors.New("a different file already uses this name")

// IndexOpener opens the content-hash index of the destination root dir.
type IndexOpener func(ctx context.Context, dir string) (hashindex.Index, error)

// Option customises a Downloader.
type Option func(*Downloader)

// WithDetailFetcher replaces the colly-based detail fetcher.
func WithDetailFetcher(f DetailFetcher) Option {
	return func(d *Downloader) { d.details = f }
}

// WithLimiter paces content requests.
func WithLimiter(l *rate.Limiter) Option {
	return func(d *Downloader) { d.limiter = l }
}

// WithIndexOpener selects the hash index backend.
func WithIndexOpener(open IndexOpener) Option {
	return func(d *Downloader) { d.openIndex = open }
}

// WithJournal sets the deletion journal consulted when KeepDeletedMd5 is on.
func WithJournal(j *hashindex.Journal) Option {
	return func(d *Downloader) { d.journal = j }
}

// Downloader saves queue entries. It is safe for concurrent use; placement
// into one root is serialised by that root's lock.
type Downloader struct {
	cfg       *config.Config
	fs        afero.Fs
	client    *http.Client
	transfer  *transfer.Transfer
	details   DetailFetcher
	limiter   *rate.Limiter
	journal   *hashindex.Journal
	openIndex IndexOpener
	log       *slog.Logger

	mu    sync.Mutex
	roots map[string]*rootState
}

type rootState struct {
	mu    sync.Mutex
	dir   string
	index hashindex.Index
}

// New builds a Downloader writing to fs through client.
func New(cfg *config.Config, fs afero.Fs, client *http.Client, log *slog.Logger, opts ...Option) *Downloader {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	d := &Downloader{
		cfg:      cfg,
		fs:       fs,
		client:   client,
		transfer: transfer.New(fs, cfg.ProgressInterval, log),
		log:      log.With(slog.String("item", "Downloader")),
		roots:    make(map[string]*rootState),
	}
	if cfg.RequestsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.details == nil {
		d.details = NewCollyDetailFetcher(cfg, client.Transport, log)
	}
	if d.openIndex == nil {
		d.openIndex = func(context.Context, string) (hashindex.Index, error) {
			return hashindex.NewMemory(), nil
		}
	}
	if d.journal == nil {
		d.journal, _ = hashindex.OpenJournal(fs, "")
	}
	return d
}

// Close releases every opened root index.
func (d *Downloader) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for dir, st := range d.roots {
		if err := st.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index of %q: %w", dir, err))
		}
	}
	d.roots = make(map[string]*rootState)
	return errors.Join(errs...)
}

// CheckRoots creates the configured roots, reporting a BatchFolderError for
// the first one that cannot be created.
func (d *Downloader) CheckRoots() error {
	if err := d.ensureRoot(models.RootPrimary, d.cfg.PrimaryRoot); err != nil {
		return err
	}
	if d.cfg.FavoritesRoot != "" {
		return d.ensureRoot(models.RootFavorites, d.cfg.FavoritesRoot)
	}
	return nil
}

// Download runs the save pipeline for entry and returns one outcome per
// destination root. A non-nil error means the item failed as a whole:
// MetadataFetchError, BatchFolderError, or ErrInvalidItem. The entry's item
// is never mutated; the result carries an updated copy.
func (d *Downloader) Download(ctx context.Context, entry models.QueueEntry, progress transfer.ProgressFunc) (*models.ItemResult, error) {
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if err := parser.ValidateItem(entry.Item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}

	item := entry.Item.Clone()
	item.MD5 = parser.NormalizeMD5(item.MD5)
	log := d.log.With(slog.String("entry", entry.ID), slog.String("item_id", item.ID))

	if item.NeedsDetails() {
		if err := d.loadDetails(ctx, item); err != nil {
			if !d.cfg.ProceedWithPartialMetadata || item.FileURL == "" {
				return nil, err
			}
			log.Warn("continuing with partial metadata", slog.Any("error", err))
		}
	}
	if item.FileURL == "" {
		return nil, &MetadataFetchError{URL: item.DetailURL, Err: errors.New("detail page has no file URL")}
	}

	dests, err := d.destinations(ctx, entry, item)
	if err != nil {
		return nil, err
	}
	vars := templateVars(entry)

	for _, dst := range dests {
		d.resolve(dst, item, vars)
	}
	if item.MD5 != "" {
		for _, dst := range dests {
			if dst.outcome == nil && dst.path != "" {
				d.precheck(ctx, dst, item.MD5)
			}
		}
	}

	result := &models.ItemResult{Item: item}
	if need := pending(dests); len(need) > 0 {
		d.fetch(ctx, log, item, need, vars, progress, result)
	}

	for _, dst := range dests {
		result.Outcomes = append(result.Outcomes, *dst.outcome)
	}
	if result.MD5 == "" {
		result.MD5 = item.MD5
	}
	log.Debug("item done",
		slog.Any("outcomes", result.Outcomes),
		slog.Int64("bytes", result.Bytes),
	)
	return result, nil
}

func (d *Downloader) loadDetails(ctx context.Context, item *models.Item) error {
	detail, err := d.details.FetchDetail(ctx, item.DetailURL)
	if err != nil {
		return &MetadataFetchError{URL: item.DetailURL, Err: err}
	}
	parser.ApplyDetail(item, detail)
	item.MD5 = parser.NormalizeMD5(item.MD5)
	item.Tags = parser.NormalizeTags(item.Tags)
	return nil
}

// destination is the per-root state of one Download call.
type destination struct {
	root     models.Root
	dir      string
	name     parser.Filename
	state    *rootState
	path     string
	temp     string
	suffixed bool
	dupSaved bool
	outcome  *models.SaveOutcome
}

func (dst *destination) done(kind models.OutcomeKind, action models.DuplicateAction, p string) {
	dst.outcome = &models.SaveOutcome{Root: dst.root, Kind: kind, Duplicate: action, Path: p}
}

func (dst *destination) fail(err error) {
	out := failure(dst.root, dst.path, err)
	dst.outcome = &out
}

func pending(dests []*destination) []*destination {
	var out []*destination
	for _, dst := range dests {
		if dst.outcome == nil {
			out = append(out, dst)
		}
	}
	return out
}

func (d *Downloader) destinations(ctx context.Context, entry models.QueueEntry, item *models.Item) ([]*destination, error) {
	q := entry.Query()
	primaryDir := d.cfg.PrimaryRoot
	if q.Path != "" {
		primaryDir = q.Path
	}
	primaryTemplate := d.cfg.FilenameTemplate
	if q.Filename != "" {
		primaryTemplate = q.Filename
	}

	dests := []*destination{{
		root: models.RootPrimary,
		dir:  filepath.Clean(primaryDir),
		name: parser.NewFilename(primaryTemplate, d.cfg.TagSeparator),
	}}
	if d.cfg.FavoritesRoot != "" && (item.Favorite || d.cfg.AlwaysFavorites) {
		dests = append(dests, &destination{
			root: models.RootFavorites,
			dir:  filepath.Clean(d.cfg.FavoritesRoot),
			name: parser.NewFilename(d.cfg.FavoritesTemplate, d.cfg.TagSeparator),
		})
	}

	for _, dst := range dests {
		if err := d.ensureRoot(dst.root, dst.dir); err != nil {
			return nil, err
		}
		st, err := d.rootFor(ctx, dst.dir)
		if err != nil {
			return nil, &BatchFolderError{Root: dst.root, Path: dst.dir, Err: err}
		}
		dst.state = st
	}
	return dests, nil
}

func (d *Downloader) ensureRoot(root models.Root, dir string) error {
	info, err := d.fs.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return &BatchFolderError{Root: root, Path: dir, Err: errors.New("not a directory")}
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return &BatchFolderError{Root: root, Path: dir, Err: err}
	}
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return &BatchFolderError{Root: root, Path: dir, Err: err}
	}
	d.log.Info("created destination root", slog.String("root", string(root)), slog.String("path", dir))
	return nil
}

func (d *Downloader) rootFor(ctx context.Context, dir string) (*rootState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.roots[dir]; ok {
		return st, nil
	}

	idx, err := d.openIndex(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("open hash index: %w", err)
	}
	if d.cfg.ScanRootsOnStart {
		n, err := hashindex.Scan(ctx, d.fs, dir, idx, d.cfg.Simultaneous, d.log)
		if err != nil {
			idx.Close()
			return nil, err
		}
		d.log.Info("indexed destination root", slog.String("path", dir), slog.Int("files", n))
	}
	st := &rootState{dir: dir, index: idx}
	d.roots[dir] = st
	return st, nil
}

func templateVars(entry models.QueueEntry) map[string]string {
	q := entry.Query()
	vars := map[string]string{}
	if q.Site != "" {
		vars["website"] = q.Site
	}
	if entry.Group != nil {
		vars["group"] = entry.Group.Name
		vars["search"] = entry.Group.Tags
	} else {
		vars["search"] = ""
	}
	return vars
}

// resolve renders the destination path. A template needing the unknown
// content hash leaves the path empty until the transfer is done.
func (d *Downloader) resolve(dst *destination, item *models.Item, vars map[string]string) {
	rel, err := dst.name.Render(item, vars)
	if errors.Is(err, parser.ErrNeedsHash) {
		return
	}
	if err != nil {
		dst.fail(&PathError{Root: dst.root, Err: err})
		return
	}
	dst.path = filepath.Join(dst.dir, filepath.FromSlash(rel))
}

// precheck settles a destination without any content request when the
// origin hash already identifies the content.
func (d *Downloader) precheck(ctx context.Context, dst *destination, md5 string) {
	dst.state.mu.Lock()
	defer dst.state.mu.Unlock()

	handled, err := d.checkExact(ctx, dst, md5)
	if err != nil {
		dst.fail(err)
		return
	}
	if handled || !d.cfg.DetectDuplicates {
		return
	}
	d.applyDuplicate(ctx, dst, md5)
}

// checkExact handles a file already present at the destination path. It
// reports true when the destination is settled as AlreadyExists.
func (d *Downloader) checkExact(ctx context.Context, dst *destination, md5 string) (bool, error) {
	for {
		info, err := d.fs.Stat(dst.path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, &PathError{Root: dst.root, Path: dst.path, Err: err}
		}
		if info.IsDir() {
			return false, &PathError{Root: dst.root, Path: dst.path, Err: errors.New("path is a directory")}
		}

		sum, err := hashindex.FileMD5(d.fs, dst.path)
		if err != nil {
			return false, &PathError{Root: dst.root, Path: dst.path, Err: err}
		}
		if sum == md5 {
			d.remember(ctx, dst, md5)
			dst.done(models.OutcomeAlreadyExists, "", dst.path)
			return true, nil
		}
		if d.cfg.Overwrite {
			return false, nil
		}
		if dst.suffixed {
			return false, &PathError{Root: dst.root, Path: dst.path, Err: errNameCollision}
		}
		dst.path = suffixed(dst.path)
		dst.suffixed = true
	}
}

// remember indexes md5 at the destination unless it is already known.
func (d *Downloader) remember(ctx context.Context, dst *destination, md5 string) {
	idx := dst.state.index
	if entry, ok, err := idx.Lookup(ctx, md5); err == nil && ok && !entry.Deleted {
		if exists, _ := afero.Exists(d.fs, entry.Path); exists {
			return
		}
	}
	if err := idx.Put(ctx, md5, dst.path); err != nil {
		d.log.Warn("update hash index", slog.String("path", dst.path), slog.Any("error", err))
	}
}

// applyDuplicate applies the duplicate policy when the root index already
// holds md5 at another path. It reports whether the destination is settled.
// When dst.temp is set the content was already downloaded into it.
func (d *Downloader) applyDuplicate(ctx context.Context, dst *destination, md5 string) bool {
	idx := dst.state.index
	entry, ok, err := idx.Lookup(ctx, md5)
	if err != nil {
		d.log.Warn("hash index lookup failed, treating content as new", slog.String("md5", md5), slog.Any("error", err))
		return false
	}
	if !ok {
		if d.cfg.KeepDeletedMd5 {
			if rec, found := d.journal.Lookup(md5); found {
				dst.done(models.OutcomeDuplicateHandled, models.DuplicateIgnored, rec.Path)
				return true
			}
		}
		return false
	}

	if entry.Deleted {
		if d.cfg.KeepDeletedMd5 {
			dst.done(models.OutcomeDuplicateHandled, models.DuplicateIgnored, entry.Path)
			return true
		}
		d.forget(ctx, idx, md5)
		return false
	}

	if exists, _ := afero.Exists(d.fs, entry.Path); !exists {
		if d.cfg.KeepDeletedMd5 {
			if err := idx.MarkDeleted(ctx, md5, entry.Path); err != nil {
				d.log.Warn("mark deleted content", slog.String("md5", md5), slog.Any("error", err))
			}
			if err := d.journal.Record(md5, entry.Path, "missing"); err != nil {
				d.log.Warn("record deleted content", slog.String("md5", md5), slog.Any("error", err))
			}
			dst.done(models.OutcomeDuplicateHandled, models.DuplicateIgnored, entry.Path)
			return true
		}
		d.forget(ctx, idx, md5)
		return false
	}
	if entry.Path == dst.path {
		return false
	}

	switch d.cfg.Md5Duplicates {
	case config.DuplicateIgnore:
		dst.done(models.OutcomeDuplicateHandled, models.DuplicateIgnored, entry.Path)
		return true

	case config.DuplicateCopy:
		var err error
		if dst.temp != "" {
			err = d.rename(dst.temp, dst.path)
		} else {
			err = d.copyFile(entry.Path, dst.path)
		}
		if err != nil {
			dst.fail(&DuplicatePolicyError{Root: dst.root, Policy: config.DuplicateCopy, Source: entry.Path, Target: dst.path, Err: err})
			return true
		}
		dst.done(models.OutcomeDuplicateHandled, models.DuplicateCopied, dst.path)
		return true

	case config.DuplicateMove:
		if err := d.rename(entry.Path, dst.path); err != nil {
			dst.fail(&DuplicatePolicyError{Root: dst.root, Policy: config.DuplicateMove, Source: entry.Path, Target: dst.path, Err: err})
			return true
		}
		if err := idx.Put(ctx, md5, dst.path); err != nil {
			d.log.Warn("update hash index", slog.String("path", dst.path), slog.Any("error", err))
		}
		if d.cfg.KeepDeletedMd5 {
			if err := d.journal.Record(md5, entry.Path, "moved"); err != nil {
				d.log.Warn("record moved content", slog.String("md5", md5), slog.Any("error", err))
			}
		}
		dst.done(models.OutcomeDuplicateHandled, models.DuplicateMoved, dst.path)
		return true

	default:
		dst.dupSaved = true
		return false
	}
}

func (d *Downloader) forget(ctx context.Context, idx hashindex.Index, md5 string) {
	if err := idx.Remove(ctx, md5); err != nil {
		d.log.Warn("drop stale hash index entry", slog.String("md5", md5), slog.Any("error", err))
	}
}

// fetch downloads the content once into a temp file per destination and
// places each of them.
func (d *Downloader) fetch(ctx context.Context, log *slog.Logger, item *models.Item, need []*destination, vars map[string]string, progress transfer.ProgressFunc, result *models.ItemResult) {
	temps := make([]string, len(need))
	for i, dst := range need {
		dir := dst.dir
		if dst.path != "" {
			dir = filepath.Dir(dst.path)
		}
		dst.temp = filepath.Join(dir, "."+uuid.NewString()+hashindex.PartialSuffix)
		temps[i] = dst.temp
	}

	res, err := d.receive(ctx, log, item, progress, temps, result)
	if err != nil {
		for _, dst := range need {
			dst.fail(err)
		}
		return
	}

	if item.MD5 != "" && item.MD5 != res.MD5 {
		log.Warn("content hash differs from the origin hash",
			slog.String("origin", item.MD5),
			slog.String("computed", res.MD5),
		)
	}
	if item.MD5 == "" {
		item.MD5 = res.MD5
	}
	result.Bytes = res.Bytes
	result.MD5 = res.MD5
	if result.URLChanged {
		// The name may depend on the file URL; render it again.
		for _, dst := range need {
			if !dst.suffixed {
				dst.path = ""
			}
		}
	}

	ext := parser.SniffExt(res.Head)
	for _, dst := range need {
		d.place(ctx, log, dst, item, vars, ext)
	}
}

func (d *Downloader) receive(ctx context.Context, log *slog.Logger, item *models.Item, progress transfer.ProgressFunc, temps []string, result *models.ItemResult) (transfer.Result, error) {
	resp, err := d.request(ctx, log, item, result)
	if err != nil {
		return transfer.Result{}, err
	}
	h, err := d.transfer.Start(ctx, resp, progress, temps...)
	if err != nil {
		return transfer.Result{}, err
	}
	return h.Wait()
}

// request issues the content request. With extension rotation configured,
// a 404 is retried under each alternative extension.
func (d *Downloader) request(ctx context.Context, log *slog.Logger, item *models.Item, result *models.ItemResult) (*http.Response, error) {
	candidates := []string{item.FileURL}
	for _, ext := range d.cfg.ExtensionRotation {
		if rotated, ok := rotateURL(item.FileURL, ext); ok {
			candidates = append(candidates, rotated)
		}
	}

	for i, u := range candidates {
		resp, err := d.get(ctx, u, item.DetailURL)
		if err != nil {
			return nil, transfer.Classify(err, 0)
		}
		if resp.StatusCode == http.StatusNotFound && i < len(candidates)-1 {
			resp.Body.Close()
			continue
		}
		if i > 0 {
			log.Info("file URL changed", slog.String("from", item.FileURL), slog.String("to", u))
			item.FileURL = u
			result.URLChanged = true
		}
		return resp, nil
	}
	return nil, &NetworkError{Code: transfer.CodeNoResponse, Message: "no candidate URL"}
}

func (d *Downloader) get(ctx context.Context, rawURL, referer string) (*http.Response, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return d.client.Do(req)
}

// place moves a downloaded temp file to its final path inside the root's
// placement lock.
func (d *Downloader) place(ctx context.Context, log *slog.Logger, dst *destination, item *models.Item, vars map[string]string, ext string) {
	dst.state.mu.Lock()
	defer dst.state.mu.Unlock()
	defer d.removeQuiet(dst.temp)

	if dst.path == "" {
		rel, err := dst.name.Render(item, vars)
		if err != nil {
			dst.fail(&PathError{Root: dst.root, Err: err})
			return
		}
		dst.path = filepath.Join(dst.dir, filepath.FromSlash(rel))
	}
	if ext != "" && !parser.SameExt(parser.PathExt(dst.path), ext) {
		rotated := parser.ReplaceExt(dst.path, ext)
		log.Debug("extension does not match content", slog.String("path", dst.path), slog.String("renamed", rotated))
		dst.path = rotated
	}

	handled, err := d.checkExact(ctx, dst, item.MD5)
	if err != nil {
		dst.fail(err)
		return
	}
	if handled {
		return
	}
	if d.cfg.DetectDuplicates && d.applyDuplicate(ctx, dst, item.MD5) {
		return
	}

	if err := d.rename(dst.temp, dst.path); err != nil {
		dst.fail(&PathError{Root: dst.root, Path: dst.path, Err: err})
		return
	}
	if dst.dupSaved {
		dst.done(models.OutcomeDuplicateHandled, models.DuplicateSaved, dst.path)
		return
	}
	if err := dst.state.index.Put(ctx, item.MD5, dst.path); err != nil {
		log.Warn("update hash index", slog.String("path", dst.path), slog.Any("error", err))
	}
	dst.done(models.OutcomeSaved, "", dst.path)
}

// rename moves src to dst, replacing an existing file.
func (d *Downloader) rename(src, dst string) error {
	if err := d.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if info, err := d.fs.Stat(dst); err == nil {
		if info.IsDir() {
			return errors.New("path is a directory")
		}
		if err := d.fs.Remove(dst); err != nil {
			return err
		}
	}
	return d.fs.Rename(src, dst)
}

func (d *Downloader) copyFile(src, dst string) error {
	in, err := d.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), "."+uuid.NewString()+hashindex.PartialSuffix)
	if err := d.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := d.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		d.removeQuiet(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		d.removeQuiet(tmp)
		return err
	}
	if err := d.rename(tmp, dst); err != nil {
		d.removeQuiet(tmp)
		return err
	}
	return nil
}

func (d *Downloader) removeQuiet(p string) {
	if p == "" {
		return
	}
	if err := d.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		d.log.Warn("remove temporary file", slog.String("path", p), slog.Any("error", err))
	}
}

// suffixed inserts " (1)" before the extension of p.
func suffixed(p string) string {
	ext := filepath.Ext(p)
	return p[:len(p)-len(ext)] + " (1)" + ext
}

// rotateURL swaps the extension of the URL path for ext.
func rotateURL(raw, ext string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	current := path.Ext(u.Path)
	if current == "" || parser.SameExt(current, ext) {
		return "", false
	}
	u.Path = u.Path[:len(u.Path)-len(current)] + "." + ext
	return u.String(), true
}
