// Package hashindex maps content hashes to the canonical file holding that
// content under one destination root.
package hashindex

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
)

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("hashindex: closed")

// Entry is one index record. Deleted marks content whose file was removed
// but which should still be recognised as already downloaded.
type Entry struct {
	MD5     string `json:"md5"`
	Path    string `json:"path"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Index is a content-hash index for one destination root. Implementations
// are safe for concurrent use.
type Index interface {
	Lookup(ctx context.Context, md5 string) (Entry, bool, error)
	Put(ctx context.Context, md5, path string) error
	MarkDeleted(ctx context.Context, md5, path string) error
	Remove(ctx context.Context, md5 string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// RootID derives a stable identifier for a root path.
func RootID(root string) string {
	sum := sha1.Sum([]byte(root))
	return hex.EncodeToString(sum[:])
}
