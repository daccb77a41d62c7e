package models

import (
	"fmt"
	"time"
)

// Root names a destination root.
type Root string

const (
	RootPrimary   Root = "primary"
	RootFavorites Root = "favorites"
)

// OutcomeKind is the variant of a SaveOutcome.
type OutcomeKind string

const (
	OutcomeSaved            OutcomeKind = "saved"
	OutcomeAlreadyExists    OutcomeKind = "already_exists"
	OutcomeDuplicateHandled OutcomeKind = "duplicate"
	OutcomeError            OutcomeKind = "error"
)

// DuplicateAction is the policy applied to a content duplicate.
type DuplicateAction string

const (
	DuplicateSaved   DuplicateAction = "saved"
	DuplicateCopied  DuplicateAction = "copied"
	DuplicateMoved   DuplicateAction = "moved"
	DuplicateIgnored DuplicateAction = "ignored"
)

// ErrorKind classifies a failed SaveOutcome.
type ErrorKind string

const (
	ErrorPath            ErrorKind = "path"
	ErrorNetwork         ErrorKind = "network"
	ErrorDuplicatePolicy ErrorKind = "duplicate_policy"
	ErrorMetadata        ErrorKind = "metadata"
	ErrorBatchFolder     ErrorKind = "batch_folder"
)

// SaveOutcome is the result of persisting one item to one root.
type SaveOutcome struct {
	Root      Root            `json:"root"`
	Kind      OutcomeKind     `json:"kind"`
	Duplicate DuplicateAction `json:"duplicate,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Path      string          `json:"path,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

func (o SaveOutcome) String() string {
	switch o.Kind {
	case OutcomeDuplicateHandled:
		return fmt.Sprintf("%s:%s(%s)", o.Root, o.Kind, o.Duplicate)
	case OutcomeError:
		if o.Code != "" {
			return fmt.Sprintf("%s:%s(%s/%s)", o.Root, o.Kind, o.ErrorKind, o.Code)
		}
		return fmt.Sprintf("%s:%s(%s)", o.Root, o.Kind, o.ErrorKind)
	default:
		return fmt.Sprintf("%s:%s", o.Root, o.Kind)
	}
}

// ItemResult aggregates the outcomes of one ItemDownloader run.
type ItemResult struct {
	Item     *Item
	Outcomes []SaveOutcome
	Bytes    int64
	MD5      string
	// URLChanged is set when the file was found under a rotated extension;
	// Item.FileURL then holds the working URL.
	URLChanged bool
}

// Outcome returns the outcome for root.
func (r *ItemResult) Outcome(root Root) (SaveOutcome, bool) {
	if r == nil {
		return SaveOutcome{}, false
	}
	for _, o := range r.Outcomes {
		if o.Root == root {
			return o, true
		}
	}
	return SaveOutcome{}, false
}

// Succeeded reports whether no destination failed.
func (r *ItemResult) Succeeded() bool {
	if r == nil {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeError {
			return false
		}
	}
	return true
}

// Retryable reports whether the item failed only with retryable errors.
func (r *ItemResult) Retryable() bool {
	if r == nil {
		return false
	}
	failed := false
	for _, o := range r.Outcomes {
		if o.Kind != OutcomeError {
			continue
		}
		if !o.Retryable {
			return false
		}
		failed = true
	}
	return failed
}

// DuplicateHandled reports whether every destination was resolved by the
// duplicate policy.
func (r *ItemResult) DuplicateHandled() bool {
	if r == nil || len(r.Outcomes) == 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Kind != OutcomeDuplicateHandled {
			return false
		}
	}
	return true
}

// FirstError returns the first failed outcome.
func (r *ItemResult) FirstError() (SaveOutcome, bool) {
	if r == nil {
		return SaveOutcome{}, false
	}
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeError {
			return o, true
		}
	}
	return SaveOutcome{}, false
}

// BatchSummary holds the overall result of a batch run.
type BatchSummary struct {
	BatchID          string
	StartTime        time.Time
	EndTime          time.Time
	Total            int
	Succeeded        int
	DuplicateHandled int
	Skipped          int
	Failed           int
	Cancelled        int
	Retries          int
	Bytes            int64
	ErrorsByType     map[string]int
	FailedURLs       []string
	EndAction        string
}

// OutcomeRecord is one row of the batch report.
type OutcomeRecord struct {
	EntryID    string    `csv:"entry_id" json:"entry_id"`
	ItemID     string    `csv:"item_id" json:"item_id"`
	Group      string    `csv:"group" json:"group,omitempty"`
	URL        string    `csv:"url" json:"url"`
	State      string    `csv:"state" json:"state"`
	Outcomes   string    `csv:"outcomes" json:"outcomes"`
	Path       string    `csv:"path" json:"path,omitempty"`
	MD5        string    `csv:"md5" json:"md5,omitempty"`
	Bytes      int64     `csv:"bytes" json:"bytes"`
	Retries    int       `csv:"retries" json:"retries"`
	Error      string    `csv:"error" json:"error,omitempty"`
	FinishedAt time.Time `csv:"finished_at" json:"finished_at"`
}
