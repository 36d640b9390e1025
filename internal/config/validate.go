package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "botfleet/pkg/logx"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"

	JobsSame   = "same"
	JobsFile   = "file"
	JobsRedis  = "redis"
	JobsMemory = DriverMemory
	JobsSQLite = DriverSQLite
)

// Sandbox runners.
const (
	RunnerGoja    = "goja"
	RunnerProcess = "process"
)

// Validate checks everything that can be checked without touching the
// network. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}
	if !logx.ValidLevel(cfg.Logging.Alerts.MinLevel) {
		add(fmt.Errorf("logging.alerts.min_level: unknown level %q", cfg.Logging.Alerts.MinLevel))
	}
	nonNeg("logging.alerts.rate_per_sec", cfg.Logging.Alerts.RatePerSec)

	l := cfg.Limiter
	for _, r := range []struct {
		path string
		v    float64
	}{{"limiter.global_rate", l.GlobalRate}, {"limiter.bot_rate", l.BotRate}, {"limiter.chat_rate", l.ChatRate}} {
		if r.v < 0 {
			add(fmt.Errorf("%s must be >= 0", r.path))
		}
	}
	nonNeg("limiter.global_burst", l.GlobalBurst)
	nonNeg("limiter.bot_burst", l.BotBurst)
	nonNeg("limiter.chat_burst", l.ChatBurst)
	dur("limiter.idle_ttl", l.IdleTTL)

	sb := cfg.Sandbox
	switch strings.ToLower(strings.TrimSpace(sb.Runner)) {
	case "", RunnerGoja, RunnerProcess:
	default:
		add(fmt.Errorf("sandbox.runner: unknown runner %q (want goja|process)", sb.Runner))
	}
	dur("sandbox.timeout", sb.Timeout)
	dur("sandbox.grace", sb.Grace)
	dur("sandbox.slot_wait", sb.SlotWait)
	nonNeg("sandbox.max_replies", sb.MaxReplies)
	nonNeg("sandbox.max_reply_bytes", sb.MaxReplyBytes)
	nonNeg("sandbox.max_call_stack", sb.MaxCallStack)
	nonNeg("sandbox.max_log_lines", sb.MaxLogLines)
	nonNeg("sandbox.cpu_seconds", sb.CPUSeconds)
	nonNeg("sandbox.max_concurrent", sb.MaxConcurrent)
	nonNeg("sandbox.max_per_bot", sb.MaxPerBot)
	nonNeg("sandbox.max_code_bytes", sb.MaxCodeBytes)
	if sb.MemoryBytes < 0 {
		add(errors.New("sandbox.memory_bytes must be >= 0"))
	}

	dur("queue.lease_timeout", cfg.Queue.LeaseTimeout)
	dur("queue.dequeue_wait", cfg.Queue.DequeueWait)
	nonNeg("queue.max_attempts", cfg.Queue.MaxAttempts)
	nonNeg("queue.max_open", cfg.Queue.MaxOpen)

	d := cfg.Delivery
	nonNeg("delivery.workers", d.Workers)
	dur("delivery.send_timeout", d.SendTimeout)
	dur("delivery.retry_base", d.RetryBase)
	dur("delivery.retry_max_delay", d.RetryMaxDelay)
	dur("delivery.circuit_open_for", d.CircuitOpenFor)
	dur("delivery.circuit_max_open", d.CircuitMaxOpen)
	dur("delivery.circuit_reset_after", d.CircuitResetAfter)
	if d.RetryJitter < 0 || d.RetryJitter > 1 {
		add(errors.New("delivery.retry_jitter must be within [0, 1]"))
	}

	nonNeg("broadcast.expand_chunk", cfg.Broadcast.ExpandChunk)
	nonNeg("broadcast.status_max", cfg.Broadcast.StatusMax)
	nonNeg("broadcast.max_attempts", cfg.Broadcast.MaxAttempts)
	dur("broadcast.status_ttl", cfg.Broadcast.StatusTTL)

	nonNeg("tenant.max_bots_per_owner", cfg.Tenant.MaxBotsPerOwner)

	add(validateStorage(cfg.Storage))

	t := cfg.Telegram
	dur("telegram.poll_timeout", t.PollTimeout)
	dur("telegram.http_timeout", t.HTTPTimeout)
	dur("telegram.stop_grace", t.StopGrace)

	nonNeg("events.nats.buffer", cfg.Events.NATS.Buffer)

	m := cfg.Maintenance
	dur("maintenance.default_timeout", m.DefaultTimeout)
	dur("maintenance.job_retention", m.JobRetention)
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("maintenance.timezone: %w", err))
		}
	}

	nonNeg("debug.mutex_profile_fraction", cfg.Debug.MutexProfileFraction)
	nonNeg("debug.block_profile_rate", cfg.Debug.BlockProfileRate)

	return errors.Join(errs...)
}

func validateStorage(s StorageConfig) error {
	var errs []error
	driver := StorageDriver(s)
	jobs := JobsDriver(s)

	switch driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(s.SQLite.Path) == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for the sqlite driver"))
		}
	case DriverMongo:
		if strings.TrimSpace(s.Mongo.URI) == "" {
			errs = append(errs, fmt.Errorf("storage.mongo.uri (or %s) is required for the mongo driver", EnvMongoURI))
		}
		if _, err := ParseDurationField("storage.mongo.connect_timeout", s.Mongo.ConnectTimeout); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q (want memory|sqlite|mongo)", s.Driver))
	}

	switch jobs {
	case JobsMemory:
	case JobsSQLite:
		if strings.TrimSpace(s.SQLite.Path) == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required for sqlite jobs"))
		}
	case JobsFile:
		if strings.TrimSpace(s.File.Path) == "" {
			errs = append(errs, errors.New("storage.file.path is required for the file jobs driver"))
		}
		if s.File.CompactEvery < 0 {
			errs = append(errs, errors.New("storage.file.compact_every must be >= 0"))
		}
	case JobsRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis jobs driver"))
		}
	default:
		// "same" on an unknown driver was already reported above.
		if j := strings.ToLower(strings.TrimSpace(s.JobsDriver)); j != "" && j != JobsSame {
			errs = append(errs, fmt.Errorf("storage.jobs_driver: unknown driver %q (want same|memory|sqlite|file|redis)", s.JobsDriver))
		}
	}
	if _, err := ParseDurationField("storage.sqlite.busy_timeout", s.SQLite.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StorageDriver returns the normalized repository driver; empty means memory.
func StorageDriver(s StorageConfig) string {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	switch d {
	case "":
		return DriverMemory
	case "sqlite3":
		return DriverSQLite
	}
	return d
}

// JobsDriver resolves "same" against the repository driver. A mongo
// repository keeps jobs in sqlite.
func JobsDriver(s StorageConfig) string {
	j := strings.ToLower(strings.TrimSpace(s.JobsDriver))
	if j == "sqlite3" {
		j = JobsSQLite
	}
	if j != "" && j != JobsSame {
		return j
	}
	d := StorageDriver(s)
	if d == DriverMongo {
		return JobsSQLite
	}
	return d
}
