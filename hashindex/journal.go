package hashindex

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// JournalRecord notes that a file holding some content was removed.
type JournalRecord struct {
	MD5       string    `json:"md5"`
	Path      string    `json:"path"`
	Reason    string    `json:"reason"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Journal is an append-only log of removed files, kept so the content can
// still be recognised as already downloaded. An empty path keeps it in
// memory only.
type Journal struct {
	mu      sync.Mutex
	fs      afero.Fs
	path    string
	records map[string]JournalRecord
	now     func() time.Time
}

// OpenJournal loads the JSON-lines journal at path.
func OpenJournal(fs afero.Fs, path string) (*Journal, error) {
	j := &Journal{
		fs:      fs,
		path:    path,
		records: make(map[string]JournalRecord),
		now:     time.Now,
	}
	if path == "" {
		return j, nil
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return j, nil
		}
		return nil, fmt.Errorf("read deletion journal %q: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec JournalRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode deletion journal %q line %d: %w", path, line, err)
		}
		j.records[rec.MD5] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan deletion journal %q: %w", path, err)
	}
	return j, nil
}

// Record appends a deletion of path holding md5.
func (j *Journal) Record(md5, path, reason string) error {
	rec := JournalRecord{MD5: md5, Path: path, Reason: reason, DeletedAt: j.now().UTC()}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[md5] = rec

	if j.path == "" {
		return nil
	}
	if dir := filepath.Dir(j.path); dir != "" && dir != "." {
		if err := j.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	f, err := j.fs.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open deletion journal: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

// Lookup returns the last deletion recorded for md5.
func (j *Journal) Lookup(md5 string) (JournalRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[md5]
	return rec, ok
}
