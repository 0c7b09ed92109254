// Package config loads and validates tenderscan configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g.
// TENDERSCAN_MATCHER_THRESHOLD=85.
const EnvPrefix = "TENDERSCAN"

// DefaultKeywords is the shipped Georgian valve and hydrant keyword set.
var DefaultKeywords = []string{
	"თუჯის სარქველი",
	"ფლიანეცებს შორის მბრუნავი სარქველი",
	"ორმაგი ექსცენტრიული მბრუნავი სარქველი",
	"მილტუჩა ჩამკეტი რეზინის სარქველით",
	"მილტუჩა ჩამკეტი მეტალის სარქველით",
	"ჰიდრანტი მიწისქვეშა ორმაგი საკეტი",
	"დანისებრი სარქველი",
}

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Portal    PortalConfig    `mapstructure:"portal"`
	Keywords  []string        `mapstructure:"keywords"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Download  DownloadConfig  `mapstructure:"download"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	State     StateConfig     `mapstructure:"state"`
	Output    OutputConfig    `mapstructure:"output"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Server    ServerConfig    `mapstructure:"server"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Portal kinds.
const (
	PortalHTML     = "html"
	PortalHeadless = "headless"
)

// PortalConfig selects and tunes the listing adapter. Empty selectors fall
// back to the adapter's own defaults.
type PortalConfig struct {
	Kind string `mapstructure:"kind"`

	// Headless adapter.
	StartURL              string `mapstructure:"start_url"`
	FilterSelector        string `mapstructure:"filter_selector"`
	FilterOption          string `mapstructure:"filter_option"`
	SearchSelector        string `mapstructure:"search_selector"`
	DocumentsTabText      string `mapstructure:"documents_tab_text"`
	BackSelector          string `mapstructure:"back_selector"`
	PageTimeoutSeconds    int    `mapstructure:"page_timeout_seconds"`
	AttachmentWaitSeconds int    `mapstructure:"attachment_wait_seconds"`
	Headless              bool   `mapstructure:"headless"`

	// HTML adapter.
	ListURLTemplate string            `mapstructure:"list_url_template"`
	DetailSelector  string            `mapstructure:"detail_selector"`
	Headers         map[string]string `mapstructure:"headers"`

	// Shared.
	RowSelector        string `mapstructure:"row_selector"`
	IDSelector         string `mapstructure:"id_selector"`
	AttachmentSelector string `mapstructure:"attachment_selector"`
	NextSelector       string `mapstructure:"next_selector"`
}

// MatcherConfig tunes keyword scoring.
type MatcherConfig struct {
	Threshold    int `mapstructure:"threshold"`
	MaxTextRunes int `mapstructure:"max_text_runes"`
	// LemmaLanguage names a snowball stemmer; empty disables lemma matching.
	LemmaLanguage string `mapstructure:"lemma_language"`
}

// MemoryConfig holds the governor thresholds in megabytes.
type MemoryConfig struct {
	WarningMB              uint64 `mapstructure:"warning_mb"`
	CriticalMB             uint64 `mapstructure:"critical_mb"`
	ReclaimIntervalSeconds int    `mapstructure:"reclaim_interval_seconds"`
}

// DownloadConfig governs attachment fetching.
type DownloadConfig struct {
	MaxParallel      int    `mapstructure:"max_parallel"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MinFileBytes     int    `mapstructure:"min_file_bytes"`
	MaxFileBytes     int    `mapstructure:"max_file_bytes"`
	UserAgent        string `mapstructure:"user_agent"`
	WorkDir          string `mapstructure:"work_dir"`
	// RequestsPerSecond paces requests per host; 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ExtractConfig locates the external PDF tools.
type ExtractConfig struct {
	MinTextChars             int    `mapstructure:"min_text_chars"`
	SubprocessTimeoutSeconds int    `mapstructure:"subprocess_timeout_seconds"`
	OCRDPI                   int    `mapstructure:"ocr_dpi"`
	OCRLanguages             string `mapstructure:"ocr_languages"`
	PdftotextBin             string `mapstructure:"pdftotext_bin"`
	PdftoppmBin              string `mapstructure:"pdftoppm_bin"`
	TesseractBin             string `mapstructure:"tesseract_bin"`
}

// State backends.
const (
	StateFile     = "file"
	StatePostgres = "postgres"
)

// StateConfig selects where crawl state persists.
type StateConfig struct {
	Backend  string `mapstructure:"backend"`
	Dir      string `mapstructure:"dir"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// OutputConfig names the files written when a crawl finishes.
type OutputConfig struct {
	// Path receives the JSON array of hit item ids.
	Path string `mapstructure:"path"`
	// ReportPath, when set, receives the full per-attachment report.
	ReportPath string `mapstructure:"report_path"`
}

// Archive kinds.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveMemory = "memory"
	ArchiveGCS    = "gcs"
)

// ArchiveConfig selects the store for matched attachments.
type ArchiveConfig struct {
	Kind      string `mapstructure:"kind"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// Publisher kinds.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// PublisherConfig selects where hit notifications go.
type PublisherConfig struct {
	Kind      string `mapstructure:"kind"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ServerConfig controls the status endpoint. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// CrawlConfig bounds a crawl run.
type CrawlConfig struct {
	// MaxPages stops after this many listing pages; 0 means unbounded.
	MaxPages int `mapstructure:"max_pages"`
}

// Load builds a Config from defaults, an optional YAML file and the
// environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("portal.kind", PortalHeadless)
	v.SetDefault("portal.headless", true)
	v.SetDefault("portal.page_timeout_seconds", 30)
	v.SetDefault("portal.attachment_wait_seconds", 10)
	v.SetDefault("keywords", DefaultKeywords)
	v.SetDefault("matcher.threshold", 90)
	v.SetDefault("matcher.max_text_runes", 50000)
	v.SetDefault("matcher.lemma_language", "")
	v.SetDefault("memory.warning_mb", 1000)
	v.SetDefault("memory.critical_mb", 1500)
	v.SetDefault("memory.reclaim_interval_seconds", 60)
	v.SetDefault("download.max_parallel", 2)
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.backoff_initial_ms", 500)
	v.SetDefault("download.backoff_max_ms", 5000)
	v.SetDefault("download.timeout_seconds", 60)
	v.SetDefault("download.min_file_bytes", 1)
	v.SetDefault("download.max_file_bytes", 100<<20)
	v.SetDefault("download.user_agent", "tenderscan/1.0")
	v.SetDefault("download.work_dir", "")
	v.SetDefault("download.requests_per_second", 2.0)
	v.SetDefault("download.burst", 2)
	v.SetDefault("extract.min_text_chars", 50)
	v.SetDefault("extract.subprocess_timeout_seconds", 60)
	v.SetDefault("extract.ocr_dpi", 300)
	v.SetDefault("extract.ocr_languages", "kat+eng")
	v.SetDefault("extract.pdftotext_bin", "pdftotext")
	v.SetDefault("extract.pdftoppm_bin", "pdftoppm")
	v.SetDefault("extract.tesseract_bin", "tesseract")
	v.SetDefault("state.backend", StateFile)
	v.SetDefault("state.dir", ".tenderscan")
	v.SetDefault("state.dsn", "")
	v.SetDefault("state.table", "crawl_state")
	v.SetDefault("state.max_conns", 4)
	v.SetDefault("output.path", "found_tenders.json")
	v.SetDefault("output.report_path", "")
	v.SetDefault("archive.kind", ArchiveNone)
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("publisher.kind", PublisherNone)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic_id", "")
	v.SetDefault("server.addr", "")
	v.SetDefault("crawl.max_pages", 0)
}

// Validate enforces required values and reasonable limits. Every problem is
// reported, not just the first.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Portal.Kind {
	case PortalHeadless:
	case PortalHTML:
		if c.Portal.ListURLTemplate == "" {
			add("portal.list_url_template is required for the html portal")
		}
	default:
		add("portal.kind %q must be %s or %s", c.Portal.Kind, PortalHTML, PortalHeadless)
	}
	if len(c.Keywords) == 0 {
		add("keywords must not be empty")
	}
	if c.Matcher.Threshold < 0 || c.Matcher.Threshold > 100 {
		add("matcher.threshold must be within 0-100")
	}
	if c.Memory.CriticalMB == 0 {
		add("memory.critical_mb must be > 0")
	}
	if c.Memory.WarningMB > c.Memory.CriticalMB {
		add("memory.warning_mb must not exceed memory.critical_mb")
	}
	if c.Download.MaxParallel <= 0 {
		add("download.max_parallel must be > 0")
	}
	if c.Download.MaxRetries <= 0 {
		add("download.max_retries must be > 0")
	}
	if c.Download.TimeoutSeconds <= 0 {
		add("download.timeout_seconds must be > 0")
	}
	if c.Download.RequestsPerSecond < 0 {
		add("download.requests_per_second must be >= 0")
	}
	switch c.State.Backend {
	case StateFile:
		if c.State.Dir == "" {
			add("state.dir is required for the file backend")
		}
	case StatePostgres:
		if c.State.DSN == "" {
			add("state.dsn is required for the postgres backend")
		}
	default:
		add("state.backend %q must be %s or %s", c.State.Backend, StateFile, StatePostgres)
	}
	if c.Output.Path == "" {
		add("output.path is required")
	}
	switch c.Archive.Kind {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			add("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			add("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		add("archive.kind %q is not supported", c.Archive.Kind)
	}
	switch c.Publisher.Kind {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.TopicID == "" {
			add("publisher.project_id and publisher.topic_id are required for pubsub")
		}
	default:
		add("publisher.kind %q is not supported", c.Publisher.Kind)
	}
	if c.Crawl.MaxPages < 0 {
		add("crawl.max_pages must be >= 0")
	}
	return errors.Join(errs...)
}

// PageTimeout returns the headless navigation budget.
func (c PortalConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

// AttachmentWait returns how long the headless portal waits for links.
func (c PortalConfig) AttachmentWait() time.Duration {
	return time.Duration(c.AttachmentWaitSeconds) * time.Second
}

// Timeout returns the per-request download budget.
func (c DownloadConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Backoff returns the initial and maximum retry delays.
func (c DownloadConfig) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// SubprocessTimeout bounds each external tool invocation.
func (c ExtractConfig) SubprocessTimeout() time.Duration {
	return time.Duration(c.SubprocessTimeoutSeconds) * time.Second
}

// ReclaimInterval returns the minimum gap between reclaims.
func (c MemoryConfig) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalSeconds) * time.Second
}
