package main

import (
	"bytes"
	"context"
	"flag"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-batch-grabber/config"
	"github.com/aluiziolira/go-batch-grabber/models"
	"github.com/aluiziolira/go-batch-grabber/pipeline"
	"github.com/aluiziolira/go-batch-grabber/scheduler"
)

func TestReadEntriesGroupsLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"1","file_url":"http://img.test/1.jpg","site":"img.test"}`,
		``,
		`# comment`,
		`{"id":"2","file_url":"http://img.test/2.jpg","group":"sky","group_tags":"sky rating:safe","group_total":2}`,
		`{"id":"3","file_url":"http://img.test/3.jpg","group":"sky"}`,
		`{"id":"4","detail_url":"http://img.test/post/4","group":"sea"}`,
	}, "\n")

	entries, err := readEntries(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 4)

	require.NotNil(t, entries[0].Single)
	require.Equal(t, "img.test", entries[0].Query().Site)

	require.Same(t, entries[1].Group, entries[2].Group)
	require.Equal(t, "sky rating:safe", entries[1].Group.Tags)
	require.Equal(t, 2, entries[1].Group.Total)
	require.Equal(t, 0, entries[1].Position)
	require.Equal(t, 1, entries[2].Position)
	require.Equal(t, "sea", entries[3].GroupName())
	require.NotSame(t, entries[1].Item, entries[2].Item)
}

func TestReadEntriesRejectsBadLines(t *testing.T) {
	_, err := readEntries(strings.NewReader(`{"id":"1"}`))
	require.ErrorContains(t, err, "line 1")

	_, err = readEntries(strings.NewReader("{not json"))
	require.Error(t, err)
}

func TestBuildConfigLayering(t *testing.T) {
	t.Setenv("GRABBER_PATH", "/from/env")
	t.Setenv("GRABBER_SIMULTANEOUS", "3")
	t.Setenv("GRABBER_DUPLICATES", "move")

	var opts cliOptions
	fs := flag.NewFlagSet("grabber", flag.ContinueOnError)
	fs.StringVar(&opts.path, "path", "unused-default", "")
	fs.IntVar(&opts.simultaneous, "simultaneous", 1, "")
	fs.StringVar(&opts.endAction, "end-action", "none", "")
	require.NoError(t, fs.Parse([]string{"-simultaneous", "5", "-end-action", "Shutdown"}))

	cfg, err := buildConfig(opts, fs)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.PrimaryRoot, "unset flags keep env values")
	require.Equal(t, 5, cfg.Simultaneous, "explicit flags win over env")
	require.Equal(t, config.DuplicateMove, cfg.Md5Duplicates)
	require.Equal(t, config.EndActionShutdown, cfg.EndAction)
}

func TestBuildConfigRejectsBadEnv(t *testing.T) {
	t.Setenv("GRABBER_RETRIES", "many")
	_, err := buildConfig(cliOptions{}, flag.NewFlagSet("grabber", flag.ContinueOnError))
	require.ErrorContains(t, err, "GRABBER_RETRIES")
}

func TestIndexFileForIsPerRoot(t *testing.T) {
	a := indexFileFor("/state/md5s.json", "/data/a")
	b := indexFileFor("/state/md5s.json", "/data/b")
	require.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, "/state/md5s-"))
	require.True(t, strings.HasSuffix(a, ".json"))
}

func TestObserverReportsTerminalEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	writer, err := pipeline.NewWriter(fs, "json", "/report.jsonl")
	require.NoError(t, err)
	report := pipeline.NewPipeline(context.Background(), writer, config.DefaultConfig())
	report.Start(1)

	var logs bytes.Buffer
	obs := newBatchObserver(report, slog.New(slog.NewTextHandler(&logs, nil)))

	result := &models.ItemResult{
		Item:     &models.Item{ID: "1", FileURL: "http://img.test/1.jpg"},
		Outcomes: []models.SaveOutcome{{Root: models.RootPrimary, Kind: models.OutcomeSaved, Path: "/dl/1.jpg"}},
	}
	obs.OnEvent(scheduler.Event{Kind: scheduler.EventEntryDispatched, Entry: &scheduler.EntryStatus{ID: "e1", State: models.EntryDispatched}})
	obs.OnEvent(scheduler.Event{Kind: scheduler.EventEntrySucceeded, Entry: &scheduler.EntryStatus{
		ID: "e1", ItemID: "1", State: models.EntrySucceeded, Result: result, FinishedAt: time.Now(),
	}})
	obs.OnEvent(scheduler.Event{Kind: scheduler.EventBatchError, Error: "read-only file system", ErrorType: "batch_folder"})

	require.NoError(t, report.Close())
	require.NoError(t, writer.Close())

	reported, dropped := obs.counts()
	require.Equal(t, 1, reported)
	require.Zero(t, dropped)

	data, err := afero.ReadFile(fs, "/report.jsonl")
	require.NoError(t, err)
	require.Contains(t, string(data), `"path":"/dl/1.jpg"`)
	require.Contains(t, logs.String(), "batch halted")
}

func TestPrintSummary(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sum := models.BatchSummary{
		StartTime:    start,
		EndTime:      start.Add(2 * time.Second),
		Total:        3,
		Succeeded:    2,
		Failed:       1,
		Bytes:        4096,
		ErrorsByType: map[string]int{"not_found": 1},
		FailedURLs:   []string{"http://img.test/3.jpg"},
		EndAction:    "none",
	}
	var out bytes.Buffer
	printSummary(&out, sum, "batch.csv", 3, 0)

	text := out.String()
	require.Contains(t, text, "Succeeded:     2")
	require.Contains(t, text, "http://img.test/3.jpg")
	require.Contains(t, text, "2.00 KiB/s")
	require.NotContains(t, text, "dropped")
}

func TestRunEndActionShutdownNeedsOptIn(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, runEndAction(config.EndActionShutdown, cfg, false))
	require.NoError(t, runEndAction(config.EndActionNone, cfg, false))
	require.Error(t, runEndAction("reboot", cfg, false))
}
