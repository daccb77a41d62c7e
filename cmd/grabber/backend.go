package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/downloader"
	"github.com/aluiziolira/go-batch-grabber/hashindex"
)

// indexBackend opens the per-root hash index for the configured backend.
type indexBackend struct {
	open  downloader.IndexOpener
	close func() error
}

func newIndexBackend(ctx context.Context, cfg *config.Config, fs afero.Fs, log *slog.Logger) (*indexBackend, error) {
	switch cfg.HashIndex {
	case config.HashIndexFile:
		return &indexBackend{
			open: func(_ context.Context, dir string) (hashindex.Index, error) {
				idx, err := hashindex.OpenFile(fs, indexFileFor(cfg.HashIndexFile, dir))
				if err != nil {
					return nil, err
				}
				return cached(idx, cfg.HashCacheSize)
			},
			close: func() error { return nil },
		}, nil

	case config.HashIndexRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		cl := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := cl.Ping(pingCtx).Err(); err != nil {
			cl.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("hash index backed by redis", slog.String("addr", opts.Addr), slog.Int("db", opts.DB))
		return &indexBackend{
			open: func(_ context.Context, dir string) (hashindex.Index, error) {
				return cached(hashindex.NewRedis(cl, dir, log), cfg.HashCacheSize)
			},
			close: cl.Close,
		}, nil

	default:
		return &indexBackend{
			open: func(context.Context, string) (hashindex.Index, error) {
				return hashindex.NewMemory(), nil
			},
			close: func() error { return nil },
		}, nil
	}
}

func cached(idx hashindex.Index, size int) (hashindex.Index, error) {
	if size <= 0 {
		return idx, nil
	}
	return hashindex.NewCached(idx, size)
}

// indexFileFor keeps one index file per root next to the configured file:
// md5s.json becomes md5s-<root id>.json.
func indexFileFor(file, root string) string {
	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)
	return base + "-" + hashindex.RootID(root)[:12] + ext
}
