package hashindex

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func sum(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func exerciseIndex(t *testing.T, idx Index) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := idx.Lookup(ctx, sum("a"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.Put(ctx, sum("a"), "/root/a.png"))
	e, ok, err := idx.Lookup(ctx, sum("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Entry{MD5: sum("a"), Path: "/root/a.png"}, e)

	require.NoError(t, idx.MarkDeleted(ctx, sum("a"), "/root/a.png"))
	e, ok, err = idx.Lookup(ctx, sum("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.Deleted)

	require.NoError(t, idx.Put(ctx, sum("a"), "/root/b.png"))
	e, _, _ = idx.Lookup(ctx, sum("a"))
	require.False(t, e.Deleted)
	require.Equal(t, "/root/b.png", e.Path)

	require.NoError(t, idx.Remove(ctx, sum("a")))
	_, ok, err = idx.Lookup(ctx, sum("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryIndex(t *testing.T) {
	exerciseIndex(t, NewMemory())
}

func TestCachedIndex(t *testing.T) {
	cached, err := NewCached(NewMemory(), 2)
	require.NoError(t, err)
	exerciseIndex(t, cached)
}

func TestCachedDoesNotRememberMisses(t *testing.T) {
	backing := NewMemory()
	cached, err := NewCached(backing, 8)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, _ := cached.Lookup(ctx, sum("x"))
	require.False(t, ok)

	require.NoError(t, backing.Put(ctx, sum("x"), "/x"))
	_, ok, _ = cached.Lookup(ctx, sum("x"))
	require.True(t, ok, "entry added behind the cache must be visible")
}

func TestFileIndexPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	idx, err := OpenFile(fs, "/state/md5s.json")
	require.NoError(t, err)
	require.NoError(t, idx.Put(ctx, sum("a"), "/root/a.png"))
	require.NoError(t, idx.MarkDeleted(ctx, sum("b"), "/root/b.png"))
	require.NoError(t, idx.Close())

	reopened, err := OpenFile(fs, "/state/md5s.json")
	require.NoError(t, err)
	n, err := reopened.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	e, ok, err := reopened.Lookup(ctx, sum("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.Deleted)

	require.NoError(t, reopened.Close())
	_, _, err = reopened.Lookup(ctx, sum("a"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestScanSeedsIndex(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/root/a/one.png", []byte("one"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/root/b/one-copy.png", []byte("one"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/root/two.jpg", []byte("two"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/root/three.jpg"+PartialSuffix, []byte("three"), 0o644))

	idx := NewMemory()
	added, err := Scan(context.Background(), fs, "/root", idx, 3, discard)
	require.NoError(t, err)
	require.Equal(t, 2, added)

	e, ok, _ := idx.Lookup(context.Background(), sum("one"))
	require.True(t, ok)
	require.Equal(t, "/root/a/one.png", e.Path, "first path in sorted order wins")

	_, ok, _ = idx.Lookup(context.Background(), sum("three"))
	require.False(t, ok, "partial downloads are not indexed")
}

func TestScanMissingRoot(t *testing.T) {
	added, err := Scan(context.Background(), afero.NewMemMapFs(), "/nowhere", NewMemory(), 2, discard)
	require.NoError(t, err)
	require.Zero(t, added)
}

func TestRedisIndex(t *testing.T) {
	url := os.Getenv("GRABBER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("GRABBER_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	idx := NewRedis(rdb, t.TempDir(), discard)
	defer func() {
		rdb.Del(context.Background(), idx.key(KeyPaths), idx.key(KeyDeleted))
	}()
	exerciseIndex(t, idx)
}

func TestJournalPersistsRecords(t *testing.T) {
	fs := afero.NewMemMapFs()

	j, err := OpenJournal(fs, "/state/deleted.jsonl")
	require.NoError(t, err)
	require.NoError(t, j.Record(sum("a"), "/root/old.png", "moved"))
	require.NoError(t, j.Record(sum("b"), "/root/gone.png", "missing"))

	reopened, err := OpenJournal(fs, "/state/deleted.jsonl")
	require.NoError(t, err)
	rec, ok := reopened.Lookup(sum("a"))
	require.True(t, ok)
	require.Equal(t, "/root/old.png", rec.Path)
	require.Equal(t, "moved", rec.Reason)

	_, ok = reopened.Lookup(sum("c"))
	require.False(t, ok)
}

func TestJournalInMemory(t *testing.T) {
	j, err := OpenJournal(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	require.NoError(t, j.Record(sum("a"), "/x", "moved"))
	_, ok := j.Lookup(sum("a"))
	require.True(t, ok)
}
