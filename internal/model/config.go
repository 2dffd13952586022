package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SummarizerConfig holds settings for the summarization backend.
type SummarizerConfig struct {
	// BaseURL is the root URL of the Ollama instance.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Model is the Ollama model name used for summaries.
	Model string `mapstructure:"model" yaml:"model"`

	// TimeoutSec bounds a single summarization call; past it the
	// fallback digest is used.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// Workers is the number of background summarization workers.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// QueueSize is the bounded depth of the summarization job queue.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// NotifierConfig holds delivery settings.
type NotifierConfig struct {
	// MaxPayload is the largest text the transport accepts; outgoing
	// digests are truncated to this before delivery.
	MaxPayload int `mapstructure:"max_payload" yaml:"max_payload"`

	// AdminTenantID receives operational notices.
	AdminTenantID string `mapstructure:"admin_tenant_id" yaml:"admin_tenant_id"`
}

// PollingConfig holds scheduling settings for the background jobs.
type PollingConfig struct {
	// IntervalSec is how often the mailbox poll cycle runs.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// MaxResults caps how many message ids one list call returns.
	MaxResults int `mapstructure:"max_results" yaml:"max_results"`

	// SeenLimit is the number of processed message ids retained
	// per account for deduplication.
	SeenLimit int `mapstructure:"seen_limit" yaml:"seen_limit"`
}

// CacheConfig holds settings for the summary cache.
type CacheConfig struct {
	// RetentionDays is the age past which cached summaries are pruned.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`

	// PruneIntervalSec is how often the prune sweep runs.
	PruneIntervalSec int `mapstructure:"prune_interval_sec" yaml:"prune_interval_sec"`
}

// AppConfig is the top-level daemon configuration.
type AppConfig struct {
	// DataDir holds the SQLite database.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// UsersDir holds per-tenant credential and watermark records.
	UsersDir string `mapstructure:"users_dir" yaml:"users_dir"`

	Polling    PollingConfig    `mapstructure:"polling" yaml:"polling"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Summarizer SummarizerConfig `mapstructure:"summarizer" yaml:"summarizer"`
	Notifier   NotifierConfig   `mapstructure:"notifier" yaml:"notifier"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/sparrowmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "sparrowmail", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".local", "share", "sparrowmail")
	return &AppConfig{
		DataDir:  base,
		UsersDir: filepath.Join(base, "users"),
		Polling: PollingConfig{
			IntervalSec: 120,
			MaxResults:  10,
			SeenLimit:   20,
		},
		Cache: CacheConfig{
			RetentionDays:    365,
			PruneIntervalSec: 24 * 60 * 60,
		},
		Summarizer: SummarizerConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "sum",
			TimeoutSec: 60,
			Workers:    2,
			QueueSize:  64,
		},
		Notifier: NotifierConfig{
			MaxPayload: 4000,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultAppConfig()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("users_dir", def.UsersDir)
	v.SetDefault("polling.interval_sec", def.Polling.IntervalSec)
	v.SetDefault("polling.max_results", def.Polling.MaxResults)
	v.SetDefault("polling.seen_limit", def.Polling.SeenLimit)
	v.SetDefault("cache.retention_days", def.Cache.RetentionDays)
	v.SetDefault("cache.prune_interval_sec", def.Cache.PruneIntervalSec)
	v.SetDefault("summarizer.base_url", def.Summarizer.BaseURL)
	v.SetDefault("summarizer.model", def.Summarizer.Model)
	v.SetDefault("summarizer.timeout_sec", def.Summarizer.TimeoutSec)
	v.SetDefault("summarizer.workers", def.Summarizer.Workers)
	v.SetDefault("summarizer.queue_size", def.Summarizer.QueueSize)
	v.SetDefault("notifier.max_payload", def.Notifier.MaxPayload)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
