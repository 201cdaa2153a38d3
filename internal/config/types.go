package config

// Config is the jobmesh process configuration. Durations are Go duration
// strings ("500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Balancer  BalancerConfig  `json:"balancer"`
	Cluster   ClusterConfig   `json:"cluster"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	API       APIConfig       `json:"api"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingTelegram forwards warn+ log lines to a chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// SchedulerConfig controls the orchestrator.
type SchedulerConfig struct {
	// InstanceID defaults to a random id per process.
	InstanceID   string `json:"instance_id,omitempty"`
	Timezone     string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	MaxInstances int    `json:"max_instances,omitempty" validate:"gte=0"`
	InstanceTTL  string `json:"instance_ttl,omitempty" validate:"omitempty,duration"`
	ReloadEvery  string `json:"reload_every,omitempty" validate:"omitempty,duration"`
	HealthEvery  string `json:"health_every,omitempty" validate:"omitempty,duration"`
	LockTTL      string `json:"lock_ttl,omitempty" validate:"omitempty,duration"`
	ClaimTTL     string `json:"claim_ttl,omitempty" validate:"omitempty,duration"`
	Parallelism  int    `json:"parallelism,omitempty" validate:"gte=0"`
}

// ExecutorConfig controls the worker pool and the built-in actions.
type ExecutorConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty" validate:"omitempty,duration"`
	CancelGrace    string `json:"cancel_grace,omitempty" validate:"omitempty,duration"`

	Shell          string `json:"shell,omitempty"`
	WebhookTimeout string `json:"webhook_timeout,omitempty" validate:"omitempty,duration"`
	// WebhookTripAfter consecutive failures open a host's breaker for
	// WebhookOpenFor.
	WebhookTripAfter int    `json:"webhook_trip_after,omitempty" validate:"gte=0"`
	WebhookOpenFor   string `json:"webhook_open_for,omitempty" validate:"omitempty,duration"`
}

type BalancerConfig struct {
	Ceiling int `json:"ceiling,omitempty" validate:"gte=0"`
	// Every schedules a periodic pass over all ranges; empty disables it.
	Every string `json:"every,omitempty" validate:"omitempty,duration"`
}

// ClusterConfig selects the coordination backend.
//
// Example:
//
//	"cluster": { "driver": "postgres", "dsn": "postgres://jobmesh@db/jobmesh" }
type ClusterConfig struct {
	Driver string `json:"driver,omitempty" validate:"omitempty,oneof=memory postgres"`
	DSN    string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobmesh.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=memory file sqlite"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base" validate:"omitempty,duration"`
	RetryMaxDelay   string `json:"retry_max_delay" validate:"omitempty,duration"`
	SendTimeout     string `json:"send_timeout,omitempty" validate:"omitempty,duration"`
	DedupWindow     string `json:"dedup_window" validate:"omitempty,duration"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	// Recipients maps the names used in task notify policies to chats.
	Recipients map[string]Recipient `json:"recipients,omitempty" validate:"dive"`
}

type Recipient struct {
	ChatID   int64 `json:"chat_id" validate:"required"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type TelegramConfig struct {
	// Token is a secret; never log it. JOBMESH_TELEGRAM_TOKEN overrides it.
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// APIConfig controls the HTTP API. Prefer binding to localhost or set a
// bearer token.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	// Debug mounts /debug/pprof behind the same auth.
	Debug bool `json:"debug,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`
}

// NotifierOrDefault returns the notifier section, enabled by default.
func (c *Config) NotifierOrDefault() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return NotifierConfig{Enabled: true}
	}
	return *c.Notifier
}
