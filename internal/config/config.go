package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fleetalert/internal/domain"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen        = ":8080"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultHeartbeatPath     = "/heartbeat"
	defaultMetricsPath       = "/metrics"
	defaultMaxBodyBytes      = 1 << 20
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultNATSSubject       = "fleet.heartbeat"
	defaultNATSQueueGroup    = "fleetalert-workers"
	defaultReloadSeconds     = 5
	defaultOfflineScanSec    = 15
	defaultOfflineTimeoutSec = 120
	defaultWebhookTimeoutSec = 10
	defaultQueueCapacity     = 100
	defaultQueueMaxAttempts  = 3
	defaultQueueScanMS       = 1000
	defaultCooldownCritical  = 30
	defaultCooldownHigh      = 240

	// StorageMemory keeps alert state in process memory.
	StorageMemory = "memory"
	// StoragePostgres keeps alert state in a PostgreSQL database.
	StoragePostgres = "postgres"
)

// Config holds service runtime settings and evaluation policies.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Ingest    IngestConfig    `toml:"ingest"`
	Storage   StorageConfig   `toml:"storage"`
	Threshold ThresholdConfig `toml:"threshold"`
	Offline   OfflineConfig   `toml:"offline"`
	Cooldown  CooldownConfig  `toml:"cooldown"`
	Notify    NotifyConfig    `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: name, reload controls, and offline scan cadence.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name               string `toml:"name"`
	ReloadEnabled      bool   `toml:"reload_enabled"`
	ReloadIntervalSec  int    `toml:"reload_interval_sec"`
	OfflineScanSeconds int    `toml:"offline_scan_interval_sec"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// IngestConfig defines inbound heartbeat interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP heartbeat endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled       bool   `toml:"enabled"`
	Listen        string `toml:"listen"`
	HealthPath    string `toml:"health_path"`
	ReadyPath     string `toml:"ready_path"`
	HeartbeatPath string `toml:"heartbeat_path"`
	MetricsPath   string `toml:"metrics_path"`
	MaxBodyBytes  int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures queue-group heartbeat subscription.
// Params: connection URLs, subject, and queue group.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled    bool     `toml:"enabled"`
	URL        []string `toml:"url"`
	Subject    string   `toml:"subject"`
	QueueGroup string   `toml:"queue_group"`
}

// StorageConfig selects the alert persistence backend.
// Params: driver name and PostgreSQL DSN.
// Returns: storage backend options.
type StorageConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// ThresholdSpec defines evaluation thresholds for one metric type.
// Params: high/critical percentages and sustained breach count.
// Returns: per-metric evaluation policy.
type ThresholdSpec struct {
	High      float64 `toml:"high"`
	Critical  float64 `toml:"critical"`
	Sustained int     `toml:"sustained"`
}

// ThresholdConfig holds per-metric threshold specs.
// Params: one spec per percentage metric type.
// Returns: threshold lookup for the evaluator.
type ThresholdConfig struct {
	CPU    ThresholdSpec `toml:"cpu"`
	Memory ThresholdSpec `toml:"memory"`
	Disk   ThresholdSpec `toml:"disk"`
}

// For returns the threshold spec for one metric type.
// Params: metric type key.
// Returns: matching spec; offline gets a fixed binary spec.
func (t ThresholdConfig) For(metric domain.MetricType) ThresholdSpec {
	switch metric {
	case domain.MetricCPU:
		return t.CPU
	case domain.MetricMemory:
		return t.Memory
	case domain.MetricDisk:
		return t.Disk
	case domain.MetricOffline:
		// Liveness alerts immediately at fixed critical severity; the
		// percentage fields are unused by the evaluator for this metric.
		return ThresholdSpec{High: 1, Critical: 1, Sustained: 0}
	default:
		return ThresholdSpec{}
	}
}

// OfflineConfig defines liveness detection settings.
// Params: heartbeat silence timeout in seconds.
// Returns: offline watchdog policy.
type OfflineConfig struct {
	TimeoutSec int `toml:"timeout_sec"`
}

// Timeout returns the offline detection window.
// Params: none.
// Returns: heartbeat silence duration before the entity counts as offline.
func (o OfflineConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSec) * time.Second
}

// CooldownConfig defines reminder intervals per severity.
// Params: minutes between reminders for critical/high alerts.
// Returns: cooldown policy inputs.
type CooldownConfig struct {
	CriticalMin int `toml:"critical_min"`
	HighMin     int `toml:"high_min"`
}

// For returns the reminder cooldown for one severity.
// Params: alert severity.
// Returns: minimum interval between reminder notifications.
func (c CooldownConfig) For(severity domain.Severity) time.Duration {
	switch severity {
	case domain.SeverityCritical:
		return time.Duration(c.CriticalMin) * time.Minute
	case domain.SeverityHigh:
		return time.Duration(c.HighMin) * time.Minute
	default:
		return 0
	}
}

// NotifyConfig defines outbound notification behavior.
// Params: remediation toggle, delivery queue, and transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	OnRemediation bool            `toml:"on_remediation"`
	Queue         QueueConfig     `toml:"queue"`
	Webhook       WebhookNotifier `toml:"webhook"`
	Telegram      TelegramConfig  `toml:"telegram"`
}

// QueueConfig defines the in-memory delivery retry queue.
// Params: capacity, attempt budget, backoff schedule, and scan cadence.
// Returns: dispatcher queue controls.
type QueueConfig struct {
	Capacity    int   `toml:"capacity"`
	MaxAttempts int   `toml:"max_attempts"`
	BackoffSec  []int `toml:"backoff_sec"`
	ScanMS      int   `toml:"scan_interval_ms"`
}

// Backoff returns the retry delay after the given failed attempt count.
// Params: attempt count after the most recent failure (1-based).
// Returns: schedule entry, clamped to the last configured step.
func (q QueueConfig) Backoff(attempt int) time.Duration {
	if len(q.BackoffSec) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(q.BackoffSec) {
		index = len(q.BackoffSec) - 1
	}
	return time.Duration(q.BackoffSec[index]) * time.Second
}

// WebhookNotifier defines the Slack-compatible outbound webhook endpoint.
// Params: URL and per-attempt timeout.
// Returns: webhook sender configuration.
type WebhookNotifier struct {
	URL        string `toml:"url"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// Enabled reports whether the webhook transport is configured.
// Params: none.
// Returns: true when a non-empty URL is set.
func (w WebhookNotifier) Enabled() bool {
	return strings.TrimSpace(w.URL) != ""
}

// TelegramConfig defines the optional Telegram notification channel.
// Params: enabled flag, bot token, chat ID, and API base URL.
// Returns: Telegram sender configuration.
type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIBase  string `toml:"api_base"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes one TOML config file.
// Params: file path.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	var cfg Config
	if err := decodeInto(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDir decodes all *.toml fragments from a directory in lexical order.
// Params: directory path.
// Returns: overlaid config; later fragments override keys they set.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	fragments := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".toml") {
			continue
		}
		fragments = append(fragments, filepath.Join(dir, entry.Name()))
	}
	if len(fragments) == 0 {
		return Config{}, fmt.Errorf("config dir %q contains no *.toml files", dir)
	}
	sort.Strings(fragments)

	var cfg Config
	for _, fragment := range fragments {
		if err := decodeInto(fragment, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// decodeInto decodes one TOML file into an existing config value.
// Params: file path and mutable config target.
// Returns: read or strict-decode error.
func decodeInto(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("decode config %q: %w", path, err)
	}
	return nil
}

// applyDefaults fills unset fields with runtime defaults.
// Params: mutable config pointer.
// Returns: config normalized in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "fleetalert"
	}
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if cfg.Service.OfflineScanSeconds <= 0 {
		cfg.Service.OfflineScanSeconds = defaultOfflineScanSec
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if strings.TrimSpace(cfg.Log.Console.Level) == "" {
		cfg.Log.Console.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.Console.Format) == "" {
		cfg.Log.Console.Format = "line"
	}
	if strings.TrimSpace(cfg.Log.File.Level) == "" {
		cfg.Log.File.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.File.Format) == "" {
		cfg.Log.File.Format = "json"
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HeartbeatPath) == "" {
		cfg.Ingest.HTTP.HeartbeatPath = defaultHeartbeatPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.MetricsPath) == "" {
		cfg.Ingest.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Ingest.NATS.Subject) == "" {
		cfg.Ingest.NATS.Subject = defaultNATSSubject
	}
	if strings.TrimSpace(cfg.Ingest.NATS.QueueGroup) == "" {
		cfg.Ingest.NATS.QueueGroup = defaultNATSQueueGroup
	}

	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = StorageMemory
	}

	applyThresholdDefaults(&cfg.Threshold.CPU, 85, 95, 3)
	applyThresholdDefaults(&cfg.Threshold.Memory, 85, 95, 3)
	applyThresholdDefaults(&cfg.Threshold.Disk, 80, 95, 0)
	if cfg.Offline.TimeoutSec <= 0 {
		cfg.Offline.TimeoutSec = defaultOfflineTimeoutSec
	}
	if cfg.Cooldown.CriticalMin <= 0 {
		cfg.Cooldown.CriticalMin = defaultCooldownCritical
	}
	if cfg.Cooldown.HighMin <= 0 {
		cfg.Cooldown.HighMin = defaultCooldownHigh
	}

	if cfg.Notify.Webhook.TimeoutSec <= 0 {
		cfg.Notify.Webhook.TimeoutSec = defaultWebhookTimeoutSec
	}
	if cfg.Notify.Queue.Capacity <= 0 {
		cfg.Notify.Queue.Capacity = defaultQueueCapacity
	}
	if cfg.Notify.Queue.MaxAttempts <= 0 {
		cfg.Notify.Queue.MaxAttempts = defaultQueueMaxAttempts
	}
	if len(cfg.Notify.Queue.BackoffSec) == 0 {
		cfg.Notify.Queue.BackoffSec = []int{5, 15, 45}
	}
	if cfg.Notify.Queue.ScanMS <= 0 {
		cfg.Notify.Queue.ScanMS = defaultQueueScanMS
	}
}

// applyThresholdDefaults fills one threshold spec when fully unset.
// Params: mutable spec pointer and default high/critical/sustained values.
// Returns: spec normalized in place.
func applyThresholdDefaults(spec *ThresholdSpec, high, critical float64, sustained int) {
	if spec.High == 0 && spec.Critical == 0 {
		spec.High = high
		spec.Critical = critical
		if spec.Sustained == 0 {
			spec.Sustained = sustained
		}
	}
}

// validateConfig checks cross-field invariants after defaults are applied.
// Params: normalized config snapshot.
// Returns: first violated invariant as error.
func validateConfig(cfg Config) error {
	for _, entry := range []struct {
		name string
		spec ThresholdSpec
	}{
		{"threshold.cpu", cfg.Threshold.CPU},
		{"threshold.memory", cfg.Threshold.Memory},
		{"threshold.disk", cfg.Threshold.Disk},
	} {
		if err := validateThreshold(entry.name, entry.spec); err != nil {
			return err
		}
	}
	if cfg.Offline.TimeoutSec <= 0 {
		return errors.New("offline.timeout_sec must be >0")
	}
	if cfg.Cooldown.CriticalMin <= 0 || cfg.Cooldown.HighMin <= 0 {
		return errors.New("cooldown minutes must be >0")
	}

	switch cfg.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}

	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when telegram is enabled")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when telegram is enabled")
		}
	}

	if len(cfg.Notify.Queue.BackoffSec) > 0 {
		previous := 0
		for i, step := range cfg.Notify.Queue.BackoffSec {
			if step <= previous {
				return fmt.Errorf("notify.queue.backoff_sec must be strictly increasing at index %d", i)
			}
			previous = step
		}
	}

	return nil
}

// validateThreshold checks one threshold spec invariant set.
// Params: section name for error text and spec to validate.
// Returns: validation error for ordering/range violations.
func validateThreshold(name string, spec ThresholdSpec) error {
	if spec.High <= 0 || spec.High > 100 {
		return fmt.Errorf("%s.high must be within (0,100], got %v", name, spec.High)
	}
	if spec.Critical <= 0 || spec.Critical > 100 {
		return fmt.Errorf("%s.critical must be within (0,100], got %v", name, spec.Critical)
	}
	if spec.Critical <= spec.High {
		return fmt.Errorf("%s.critical (%v) must be greater than high (%v)", name, spec.Critical, spec.High)
	}
	if spec.Sustained < 0 {
		return fmt.Errorf("%s.sustained must be >=0, got %d", name, spec.Sustained)
	}
	return nil
}
