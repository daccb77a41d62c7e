package hashindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	KeyPaths   = "md5" // HASH. md5 -> canonical path
	KeyDeleted = "del" // HASH. md5 -> path of the removed file

	keyPrefix    = "grabber"
	keySeparator = ":"
)

// Redis stores the index of one root in two redis hashes so it survives
// across runs and can be shared by several hosts.
type Redis struct {
	cl     *redis.Client
	rootID string
	log    *slog.Logger
}

// NewRedis binds an index for root to cl.
func NewRedis(cl *redis.Client, root string, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	rootID := RootID(root)
	return &Redis{
		cl:     cl,
		rootID: rootID,
		log:    log.With(slog.String("item", "RedisHashIndex"), slog.String("root", root)),
	}
}

func (r *Redis) key(kind string) string {
	return keyPrefix + keySeparator + kind + keySeparator + r.rootID
}

func (r *Redis) Lookup(ctx context.Context, md5 string) (Entry, bool, error) {
	path, err := r.cl.HGet(ctx, r.key(KeyPaths), md5).Result()
	if err == nil {
		return Entry{MD5: md5, Path: path}, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Entry{}, false, fmt.Errorf("cannot get md5 path: %w", err)
	}

	path, err = r.cl.HGet(ctx, r.key(KeyDeleted), md5).Result()
	if err == nil {
		return Entry{MD5: md5, Path: path, Deleted: true}, true, nil
	}
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	return Entry{}, false, fmt.Errorf("cannot get deleted md5: %w", err)
}

func (r *Redis) Put(ctx context.Context, md5, path string) error {
	_, err := r.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(KeyPaths), md5, path)
		pipe.HDel(ctx, r.key(KeyDeleted), md5)
		return nil
	})
	if err != nil {
		r.log.Error("Cannot store md5", slog.String("md5", md5), slog.Any("error", err))
		return fmt.Errorf("cannot store md5: %w", err)
	}
	return nil
}

func (r *Redis) MarkDeleted(ctx context.Context, md5, path string) error {
	_, err := r.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.key(KeyPaths), md5)
		pipe.HSet(ctx, r.key(KeyDeleted), md5, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot mark md5 deleted: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, md5 string) error {
	_, err := r.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.key(KeyPaths), md5)
		pipe.HDel(ctx, r.key(KeyDeleted), md5)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot remove md5: %w", err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	paths, err := r.cl.HLen(ctx, r.key(KeyPaths)).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot count md5 paths: %w", err)
	}
	deleted, err := r.cl.HLen(ctx, r.key(KeyDeleted)).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot count deleted md5: %w", err)
	}
	return int(paths + deleted), nil
}

// Close is a no-op; the client is owned by the caller.
func (r *Redis) Close() error {
	return nil
}
