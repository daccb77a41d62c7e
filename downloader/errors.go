package downloader

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/models"
	"github.com/aluiziolira/go-batch-grabber/transfer"
)

// NetworkError is the transport failure reported by transfers.
type NetworkError = transfer.NetworkError

// ErrInvalidItem wraps items that can never be downloaded.
var ErrInvalidItem = errors.New("invalid item")

// PathError indicates a destination path could not be derived, created, or
// written.
type PathError struct {
	Root models.Root
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Path == "" {
		return fmt.Errorf("path (%s): %w", e.Root, e.Err).Error()
	}
	return fmt.Errorf("path %q (%s): %w", e.Path, e.Root, e.Err).Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// DuplicatePolicyError indicates a copy or move of an existing duplicate
// failed.
type DuplicatePolicyError struct {
	Root   models.Root
	Policy config.DuplicatePolicy
	Source string
	Target string
	Err    error
}

func (e *DuplicatePolicyError) Error() string {
	return fmt.Errorf("%s duplicate %q to %q: %w", e.Policy, e.Source, e.Target, e.Err).Error()
}

func (e *DuplicatePolicyError) Unwrap() error {
	return e.Err
}

// MetadataFetchError indicates the item's detail page could not be loaded.
type MetadataFetchError struct {
	URL string
	Err error
}

func (e *MetadataFetchError) Error() string {
	return fmt.Errorf("fetch details %q: %w", e.URL, e.Err).Error()
}

func (e *MetadataFetchError) Unwrap() error {
	return e.Err
}

// BatchFolderError indicates a destination root is missing and could not be
// created. Nothing can be saved until the root is available again.
type BatchFolderError struct {
	Root models.Root
	Path string
	Err  error
}

func (e *BatchFolderError) Error() string {
	return fmt.Errorf("batch folder %q (%s): %w", e.Path, e.Root, e.Err).Error()
}

func (e *BatchFolderError) Unwrap() error {
	return e.Err
}

// ErrorTypeLabel returns a low-cardinality label for metrics and summaries.
func ErrorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var pathErr *PathError
	if errors.As(err, &pathErr) {
		return string(models.ErrorPath)
	}
	var dupErr *DuplicatePolicyError
	if errors.As(err, &dupErr) {
		return string(models.ErrorDuplicatePolicy)
	}
	var metaErr *MetadataFetchError
	if errors.As(err, &metaErr) {
		return string(models.ErrorMetadata)
	}
	var folderErr *BatchFolderError
	if errors.As(err, &folderErr) {
		return string(models.ErrorBatchFolder)
	}
	if errors.Is(err, ErrInvalidItem) {
		return "invalid_item"
	}
	return transfer.ErrorLabel(err)
}

// OutcomeLabel labels a failed SaveOutcome the same way ErrorTypeLabel
// labels errors.
func OutcomeLabel(o models.SaveOutcome) string {
	if o.ErrorKind == models.ErrorNetwork && o.Code != "" {
		return o.Code
	}
	return string(o.ErrorKind)
}

// failure converts err into the error outcome recorded for root.
func failure(root models.Root, path string, err error) models.SaveOutcome {
	out := models.SaveOutcome{
		Root:    root,
		Kind:    models.OutcomeError,
		Path:    path,
		Message: err.Error(),
	}

	var netErr *NetworkError
	var destErr *transfer.DestinationError
	var dupErr *DuplicatePolicyError
	var metaErr *MetadataFetchError
	var folderErr *BatchFolderError
	switch {
	case errors.As(err, &netErr):
		out.ErrorKind = models.ErrorNetwork
		out.Code = netErr.Code
		out.Retryable = netErr.Retryable()
	case errors.As(err, &dupErr):
		out.ErrorKind = models.ErrorDuplicatePolicy
	case errors.As(err, &metaErr):
		out.ErrorKind = models.ErrorMetadata
	case errors.As(err, &folderErr):
		out.ErrorKind = models.ErrorBatchFolder
	case errors.As(err, &destErr):
		out.ErrorKind = models.ErrorPath
	default:
		out.ErrorKind = models.ErrorPath
	}
	return out
}
