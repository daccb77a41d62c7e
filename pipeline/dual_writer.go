package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/aluiziolira/go-batch-grabber/models"
)

// FanOutWriter hands every batch to several writers in order. A failing
// writer stops the batch from reaching the ones after it.
type FanOutWriter struct {
	mu      sync.Mutex
	names   []string
	writers []OutputWriter
}

// NewDualWriter reports to a CSV file and a JSON lines file side by side.
func NewDualWriter(fs afero.Fs, csvFilename, jsonFilename string) (*FanOutWriter, error) {
	csv, err := NewCSVWriter(fs, csvFilename)
	if err != nil {
		return nil, fmt.Errorf("csv report: %w", err)
	}
	jsonl, err := NewJSONWriter(fs, jsonFilename)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("jsonl report: %w", err), csv.Close())
	}
	fw := &FanOutWriter{}
	fw.add(csvFilename, csv)
	fw.add(jsonFilename, jsonl)
	return fw, nil
}

func (fw *FanOutWriter) add(name string, w OutputWriter) {
	fw.names = append(fw.names, name)
	fw.writers = append(fw.writers, w)
}

func (fw *FanOutWriter) Write(records []*models.OutcomeRecord) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for i, w := range fw.writers {
		if err := w.Write(records); err != nil {
			return fmt.Errorf("%s: %w", fw.names[i], err)
		}
	}
	return nil
}

// Close closes every writer, even after one fails.
func (fw *FanOutWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.each(OutputWriter.Close)
}

func (fw *FanOutWriter) Validate() error {
	return fw.each(OutputWriter.Validate)
}

func (fw *FanOutWriter) each(fn func(OutputWriter) error) error {
	var errs []error
	for i, w := range fw.writers {
		if err := fn(w); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fw.names[i], err))
		}
	}
	return errors.Join(errs...)
}
