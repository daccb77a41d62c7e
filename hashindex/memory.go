package hashindex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
)

// Memory is an in-process index. When created with OpenFile it persists
// itself as JSON on Flush and Close.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool

	fs    afero.Fs
	path  string
	dirty bool
}

// NewMemory returns an empty, non-persistent index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// OpenFile loads the index stored at path on fs, or starts empty when the
// file does not exist yet.
func OpenFile(fs afero.Fs, path string) (*Memory, error) {
	m := NewMemory()
	m.fs = fs
	m.path = path

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read hash index %q: %w", path, err)
	}
	if len(data) == 0 {
		return m, nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode hash index %q: %w", path, err)
	}
	for _, e := range entries {
		m.entries[e.MD5] = e
	}
	return m, nil
}

func (m *Memory) Lookup(_ context.Context, md5 string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Entry{}, false, ErrClosed
	}
	e, ok := m.entries[md5]
	return e, ok, nil
}

func (m *Memory) Put(_ context.Context, md5, path string) error {
	return m.set(Entry{MD5: md5, Path: path})
}

func (m *Memory) MarkDeleted(_ context.Context, md5, path string) error {
	return m.set(Entry{MD5: md5, Path: path, Deleted: true})
}

func (m *Memory) Remove(_ context.Context, md5 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.entries[md5]; ok {
		delete(m.entries, md5)
		m.dirty = true
	}
	return nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Flush writes the index to its file, if it has one.
func (m *Memory) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.flushLocked()
}

func (m *Memory) set(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[e.MD5] = e
	m.dirty = true
	return nil
}

func (m *Memory) flushLocked() error {
	if m.fs == nil || !m.dirty {
		return nil
	}

	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MD5 < entries[j].MD5 })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode hash index: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "" && dir != "." {
		if err := m.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	tmp := m.path + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write hash index: %w", err)
	}
	if err := m.fs.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace hash index: %w", err)
	}
	m.dirty = false
	return nil
}
