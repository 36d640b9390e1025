package config

// Config is the on-disk engine configuration. Durations are Go duration
// strings ("500ms", "10s", "1m"); empty or zero values fall back to the
// component defaults.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Limiter     LimiterConfig     `json:"limiter"`
	Sandbox     SandboxConfig     `json:"sandbox"`
	Queue       QueueConfig       `json:"queue"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Tenant      TenantConfig      `json:"tenant,omitempty"`
	Storage     StorageConfig     `json:"storage"`
	Telegram    TelegramConfig    `json:"telegram"`
	Events      EventsConfig      `json:"events,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Debug       DebugConfig       `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	JSON    bool          `json:"json,omitempty"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts publishes records at MinLevel (default warn) or above as
// log.alert events, at most RatePerSec per second.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// LimiterConfig sets the token buckets. Rates are tokens per second.
//
// Defaults: global 30/s, bot 30/s, chat 1/s; bursts equal the rounded-up rate.
type LimiterConfig struct {
	GlobalRate  float64 `json:"global_rate,omitempty"`
	GlobalBurst int     `json:"global_burst,omitempty"`
	BotRate     float64 `json:"bot_rate,omitempty"`
	BotBurst    int     `json:"bot_burst,omitempty"`
	ChatRate    float64 `json:"chat_rate,omitempty"`
	ChatBurst   int     `json:"chat_burst,omitempty"`
	IdleTTL     string  `json:"idle_ttl,omitempty"`
}

// SandboxConfig controls handler execution.
//
// Runner is "goja" (in-process interpreter, default) or "process" (one
// child process per call, re-executing this binary with sandbox-exec).
type SandboxConfig struct {
	Runner     string `json:"runner,omitempty"`
	RunnerPath string `json:"runner_path,omitempty"`

	Timeout       string `json:"timeout,omitempty"`
	Grace         string `json:"grace,omitempty"`
	MaxReplies    int    `json:"max_replies,omitempty"`
	MaxReplyBytes int    `json:"max_reply_bytes,omitempty"`
	MaxCallStack  int    `json:"max_call_stack,omitempty"`
	MaxLogLines   int    `json:"max_log_lines,omitempty"`
	// MemoryBytes is the heap growth one goja invocation may cause, or the
	// data rlimit of a process child. 0 means 256 MiB.
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	CPUSeconds  int   `json:"cpu_seconds,omitempty"`
	// HeapCeiling additionally interrupts in-process handlers when the
	// whole process heap grows past it. 0 leaves only the per-call budget.
	HeapCeiling uint64 `json:"heap_ceiling,omitempty"`

	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	MaxPerBot     int    `json:"max_per_bot,omitempty"`
	SlotWait      string `json:"slot_wait,omitempty"`
	MaxCodeBytes  int    `json:"max_code_bytes,omitempty"`

	ReplyErrors bool `json:"reply_errors,omitempty"`
}

type QueueConfig struct {
	LeaseTimeout string `json:"lease_timeout,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	DequeueWait  string `json:"dequeue_wait,omitempty"`
	MaxOpen      int    `json:"max_open,omitempty"`
}

type DeliveryConfig struct {
	Workers     int    `json:"workers,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	// CircuitTripAfter < 0 disables the per-bot breaker.
	CircuitTripAfter  int    `json:"circuit_trip_after,omitempty"`
	CircuitOpenFor    string `json:"circuit_open_for,omitempty"`
	CircuitMaxOpen    string `json:"circuit_max_open,omitempty"`
	CircuitResetAfter string `json:"circuit_reset_after,omitempty"`
}

type BroadcastConfig struct {
	ExpandChunk int    `json:"expand_chunk,omitempty"`
	StatusTTL   string `json:"status_ttl,omitempty"`
	StatusMax   int    `json:"status_max,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	NotifyOwner bool   `json:"notify_owner,omitempty"`
}

type TenantConfig struct {
	MaxBotsPerOwner int `json:"max_bots_per_owner,omitempty"`
	// StopCommand unsubscribes the sender. Defaults to "stop"; "-" disables it.
	StopCommand string `json:"stop_command,omitempty"`
}

// StorageConfig selects the persistence backends.
//
// Example:
//
//	"storage": {
//	  "driver": "sqlite",
//	  "jobs_driver": "same",
//	  "sqlite": { "path": "./data/botfleet.db" }
//	}
//
// Driver holds bots, commands and subscribers: memory | sqlite | mongo.
// JobsDriver holds jobs and broadcasts: same | memory | sqlite | file | redis.
// "same" reuses the driver when it can store jobs (memory, sqlite) and
// falls back to sqlite for mongo.
type StorageConfig struct {
	Driver     string `json:"driver"`
	JobsDriver string `json:"jobs_driver,omitempty"`

	SQLite SQLiteConfig `json:"sqlite,omitempty"`
	File   FileConfig   `json:"file,omitempty"`
	Mongo  MongoConfig  `json:"mongo,omitempty"`
	Redis  RedisConfig  `json:"redis,omitempty"`
}

type SQLiteConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type FileConfig struct {
	Path         string `json:"path"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// MongoConfig.URI may be supplied through BOTFLEET_MONGO_URI instead.
type MongoConfig struct {
	URI            string `json:"uri,omitempty"`
	Database       string `json:"database,omitempty"`
	MaxPoolSize    uint64 `json:"max_pool_size,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// RedisConfig.Password may be supplied through BOTFLEET_REDIS_PASSWORD.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	PoolSize int    `json:"pool_size,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type TelegramConfig struct {
	// APIURL overrides the Bot API endpoint, e.g. for a local bot API server.
	APIURL      string `json:"api_url,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
	StopGrace   string `json:"stop_grace,omitempty"`
}

type EventsConfig struct {
	NATS NATSConfig `json:"nats,omitempty"`
}

// NATSConfig mirrors lifecycle events to NATS when URL is set (directly or
// through BOTFLEET_NATS_URL).
type NATSConfig struct {
	URL    string `json:"url,omitempty"`
	Name   string `json:"name,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Buffer int    `json:"buffer,omitempty"`
}

// MaintenanceConfig schedules housekeeping. Schedules accept cron
// expressions, "@every 1m", "HH:MM" or plain durations; "-" disables a task.
//
// Enabled is a pointer so an omitted section defaults to enabled.
type MaintenanceConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`

	ReapLeases   string `json:"reap_leases,omitempty"`
	PruneJobs    string `json:"prune_jobs,omitempty"`
	JobRetention string `json:"job_retention,omitempty"`
	PruneStatus  string `json:"prune_status,omitempty"`
	PruneBuckets string `json:"prune_buckets,omitempty"`
}

// IsEnabled reports the effective maintenance switch.
func (m MaintenanceConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// DebugConfig enables the operator HTTP listener (pprof, /debug/stats,
// /healthz). Binding beyond loopback requires Token or AllowInsecure.
type DebugConfig struct {
	Enabled              bool   `json:"enabled,omitempty"`
	Addr                 string `json:"addr,omitempty"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}
