package hashindex

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// PartialSuffix marks in-progress downloads; the scanner skips such files.
const PartialSuffix = ".part"

type scanned struct {
	path string
	md5  string
}

// Scan hashes every regular file under root and records the ones whose
// content is not indexed yet. It returns the number of entries added.
func Scan(ctx context.Context, fs afero.Fs, root string, idx Index, workers int, log *slog.Logger) (int, error) {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("item", "HashScanner"), slog.String("root", root))

	var paths []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		if strings.HasSuffix(path, PartialSuffix) || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		paths = append(paths, path)
		return ctx.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("walk %q: %w", root, err)
	}
	if len(paths) == 0 {
		return 0, nil
	}
	sort.Strings(paths)

	in := make(chan string, len(paths))
	out := make(chan scanned, len(paths))
	for _, p := range paths {
		in <- p
	}
	close(in)

	var wg sync.WaitGroup
	wg.Add(workers)
	for n := 0; n < workers; n++ {
		go func(n int) {
			defer wg.Done()
			for p := range in {
				if ctx.Err() != nil {
					return
				}
				sum, err := fileMD5(fs, p)
				if err != nil {
					log.Warn("Cannot hash file", slog.Int("worker_id", n), slog.String("path", p), slog.Any("error", err))
					continue
				}
				out <- scanned{path: p, md5: sum}
			}
		}(n)
	}
	wg.Wait()
	close(out)

	results := make([]scanned, 0, len(paths))
	for r := range out {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].path < results[j].path })

	added := 0
	for _, r := range results {
		if _, ok, err := idx.Lookup(ctx, r.md5); err != nil {
			return added, err
		} else if ok {
			continue
		}
		if err := idx.Put(ctx, r.md5, r.path); err != nil {
			return added, err
		}
		added++
	}

	if err := ctx.Err(); err != nil {
		return added, err
	}
	log.Info("Scanned root", slog.Int("files", len(paths)), slog.Int("added", added))
	return added, nil
}

// FileMD5 returns the hex MD5 of the file at path.
func FileMD5(fs afero.Fs, path string) (string, error) {
	return fileMD5(fs, path)
}

func fileMD5(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
