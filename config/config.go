package config

import (
	"fmt"
	"strings"
	"time"
)

// DuplicatePolicy selects what happens when downloaded content already
// exists elsewhere under a destination root.
type DuplicatePolicy string

const (
	DuplicateSave   DuplicatePolicy = "save"
	DuplicateCopy   DuplicatePolicy = "copy"
	DuplicateMove   DuplicatePolicy = "move"
	DuplicateIgnore DuplicatePolicy = "ignore"
)

// ParseDuplicatePolicy maps a textual policy to its typed value.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DuplicateSave, DuplicateCopy, DuplicateMove, DuplicateIgnore:
		return p, nil
	}
	return "", fmt.Errorf("duplicate policy must be save, copy, move, or ignore (got %q)", s)
}

// EndAction is the action the host performs once a batch is finished.
type EndAction string

const (
	EndActionNone       EndAction = "none"
	EndActionClose      EndAction = "close"
	EndActionOpenFolder EndAction = "open-folder"
	EndActionPlaySound  EndAction = "play-sound"
	EndActionShutdown   EndAction = "shutdown"
)

// ParseEndAction maps a textual end action to its typed value.
func ParseEndAction(s string) (EndAction, error) {
	switch a := EndAction(strings.ToLower(strings.TrimSpace(s))); a {
	case EndActionNone, EndActionClose, EndActionOpenFolder, EndActionPlaySound, EndActionShutdown:
		return a, nil
	case "":
		return EndActionNone, nil
	}
	return "", fmt.Errorf("unknown end action %q", s)
}

// Hash index backends.
const (
	HashIndexMemory = "memory"
	HashIndexFile   = "file"
	HashIndexRedis  = "redis"
)

// Config holds batch download configuration.
type Config struct {
	PrimaryRoot       string `yaml:"path"`
	FavoritesRoot     string `yaml:"path_favorites"`
	FilenameTemplate  string `yaml:"filename"`
	FavoritesTemplate string `yaml:"filename_favorites"`
	TagSeparator      string `yaml:"separator"`
	AlwaysFavorites   bool   `yaml:"always_favorites"`

	Simultaneous               int             `yaml:"simultaneous"`
	MaxAutomaticRetries        int             `yaml:"automatic_retries"`
	Md5Duplicates              DuplicatePolicy `yaml:"md5_duplicates"`
	DetectDuplicates           bool            `yaml:"detect_duplicates"`
	KeepDeletedMd5             bool            `yaml:"keep_deleted_md5"`
	Overwrite                  bool            `yaml:"overwrite"`
	ProceedWithPartialMetadata bool            `yaml:"proceed_with_partial_metadata"`
	EndAction                  EndAction       `yaml:"end_action"`

	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	// ExtensionRotation lists extensions tried in order when the file URL
	// answers 404. Empty disables rotation.
	ExtensionRotation []string `yaml:"extension_rotation"`

	ProgressInterval time.Duration `yaml:"progress_interval"`
	SpeedTick        time.Duration `yaml:"speed_tick"`
	SpeedWindow      int           `yaml:"speed_window"`

	HashIndex        string `yaml:"hash_index"`
	HashIndexFile    string `yaml:"hash_index_file"`
	RedisURL         string `yaml:"redis_url"`
	HashCacheSize    int    `yaml:"hash_cache_size"`
	ScanRootsOnStart bool   `yaml:"scan_roots_on_start"`
	// DeletedLog is the journal of removed duplicates; empty keeps it in memory.
	DeletedLog string `yaml:"deleted_log"`

	ReportFile      string `yaml:"report_file"`
	ReportFormat    string `yaml:"report_format"` // csv, json, or dual
	ReportBatchSize int    `yaml:"report_batch_size"`
	MetricsAddr     string `yaml:"metrics_addr"`
	Verbose         bool   `yaml:"verbose"`
}

// DefaultConfig returns the defaults the settings store ships with.
func DefaultConfig() *Config {
	return &Config{
		PrimaryRoot:       "downloads",
		FilenameTemplate:  "%md5%.%ext%",
		FavoritesTemplate: "%md5%.%ext%",
		TagSeparator:      " ",

		Simultaneous:        1,
		MaxAutomaticRetries: 0,
		Md5Duplicates:       DuplicateSave,
		DetectDuplicates:    true,
		KeepDeletedMd5:      false,
		Overwrite:           true,
		EndAction:           EndActionNone,

		Timeout:   30 * time.Second,
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",

		ProgressInterval: 200 * time.Millisecond,
		SpeedTick:        time.Second,
		SpeedWindow:      5,

		HashIndex:     HashIndexMemory,
		HashIndexFile: "md5s.json",
		HashCacheSize: 4096,

		ReportFile:      "output/batch.csv",
		ReportFormat:    "csv",
		ReportBatchSize: 32,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PrimaryRoot) == "" {
		return fmt.Errorf("primary root cannot be empty")
	}
	if strings.TrimSpace(c.FilenameTemplate) == "" {
		return fmt.Errorf("filename template cannot be empty")
	}
	if c.FavoritesRoot != "" && strings.TrimSpace(c.FavoritesTemplate) == "" {
		return fmt.Errorf("favorites filename template cannot be empty when a favorites root is set")
	}
	if c.Simultaneous < 1 {
		return fmt.Errorf("simultaneous downloads must be at least 1")
	}
	if c.MaxAutomaticRetries < 0 {
		return fmt.Errorf("automatic retries cannot be negative")
	}
	if _, err := ParseDuplicatePolicy(string(c.Md5Duplicates)); err != nil {
		return err
	}
	if _, err := ParseEndAction(string(c.EndAction)); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("progress interval cannot be negative")
	}
	if c.SpeedTick <= 0 {
		return fmt.Errorf("speed tick must be positive")
	}
	if c.SpeedWindow < 1 {
		return fmt.Errorf("speed window must be at least 1 bucket")
	}
	switch c.HashIndex {
	case HashIndexMemory:
	case HashIndexFile:
		if c.HashIndexFile == "" {
			return fmt.Errorf("hash index file cannot be empty for the file backend")
		}
	case HashIndexRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis URL cannot be empty for the redis backend")
		}
	default:
		return fmt.Errorf("hash index must be memory, file, or redis")
	}
	if c.HashCacheSize < 0 {
		return fmt.Errorf("hash cache size cannot be negative")
	}
	if c.ReportFile == "" {
		return fmt.Errorf("report file cannot be empty")
	}
	if c.ReportFormat != "csv" && c.ReportFormat != "json" && c.ReportFormat != "dual" {
		return fmt.Errorf("report format must be csv, json, or dual")
	}
	if c.ReportBatchSize <= 0 {
		return fmt.Errorf("report batch size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
