package config

import (
	"reflect"
	"sort"
	"strings"

	logx "botfleet/pkg/logx"
)

// Change summarises the difference between two configs.
type Change struct {
	// Sections lists every changed top-level section, sorted.
	Sections []string
	// Restart lists changed settings that only take effect after a restart.
	Restart []string
	// Fields are safe to log. Secrets are reported only as "<name>_set".
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange compares oldCfg and newCfg. Either may be nil.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	section := func(name string, a, b any, fields ...logx.Field) bool {
		if reflect.DeepEqual(a, b) {
			return false
		}
		ch.Sections = append(ch.Sections, name)
		ch.Fields = append(ch.Fields, fields...)
		return true
	}
	restart := func(name string) { ch.Restart = append(ch.Restart, name) }

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
	)
	section("limiter", oldCfg.Limiter, newCfg.Limiter,
		logx.Float64("limiter.global_rate", newCfg.Limiter.GlobalRate),
		logx.Float64("limiter.bot_rate", newCfg.Limiter.BotRate),
		logx.Float64("limiter.chat_rate", newCfg.Limiter.ChatRate),
	)
	if section("sandbox", oldCfg.Sandbox, newCfg.Sandbox,
		logx.String("sandbox.runner", newCfg.Sandbox.Runner),
		logx.String("sandbox.timeout", newCfg.Sandbox.Timeout),
		logx.Int("sandbox.max_concurrent", newCfg.Sandbox.MaxConcurrent),
	) {
		if !strings.EqualFold(oldCfg.Sandbox.Runner, newCfg.Sandbox.Runner) || oldCfg.Sandbox.RunnerPath != newCfg.Sandbox.RunnerPath {
			restart("sandbox.runner")
		}
		if oldCfg.Sandbox.HeapCeiling != newCfg.Sandbox.HeapCeiling {
			restart("sandbox.heap_ceiling")
		}
	}
	section("queue", oldCfg.Queue, newCfg.Queue,
		logx.String("queue.lease_timeout", newCfg.Queue.LeaseTimeout),
		logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
	)
	if section("delivery", oldCfg.Delivery, newCfg.Delivery,
		logx.Int("delivery.workers", newCfg.Delivery.Workers),
		logx.String("delivery.retry_base", newCfg.Delivery.RetryBase),
		logx.String("delivery.retry_max_delay", newCfg.Delivery.RetryMaxDelay),
	) && oldCfg.Delivery.Workers != newCfg.Delivery.Workers {
		restart("delivery.workers")
	}
	section("broadcast", oldCfg.Broadcast, newCfg.Broadcast,
		logx.Int("broadcast.expand_chunk", newCfg.Broadcast.ExpandChunk),
		logx.Bool("broadcast.notify_owner", newCfg.Broadcast.NotifyOwner),
	)
	if section("tenant", oldCfg.Tenant, newCfg.Tenant,
		logx.Int("tenant.max_bots_per_owner", newCfg.Tenant.MaxBotsPerOwner),
		logx.String("tenant.stop_command", newCfg.Tenant.StopCommand),
	) && oldCfg.Tenant.MaxBotsPerOwner != newCfg.Tenant.MaxBotsPerOwner {
		restart("tenant.max_bots_per_owner")
	}

	prevStore, ns := oldCfg.Storage, newCfg.Storage
	if section("storage", prevStore, ns,
		logx.String("storage.driver", StorageDriver(ns)),
		logx.String("storage.jobs_driver", JobsDriver(ns)),
		logx.Bool("storage.mongo_uri_set", strings.TrimSpace(ns.Mongo.URI) != ""),
		logx.Bool("storage.redis_password_set", ns.Redis.Password != ""),
	) {
		restart("storage")
	}
	if section("telegram", oldCfg.Telegram, newCfg.Telegram,
		logx.Bool("telegram.api_url_set", strings.TrimSpace(newCfg.Telegram.APIURL) != ""),
		logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
	) {
		restart("telegram")
	}
	if section("events", oldCfg.Events, newCfg.Events,
		logx.Bool("events.nats_url_set", strings.TrimSpace(newCfg.Events.NATS.URL) != ""),
		logx.String("events.nats_prefix", newCfg.Events.NATS.Prefix),
	) {
		restart("events")
	}
	if section("maintenance", oldCfg.Maintenance, newCfg.Maintenance,
		logx.Bool("maintenance.enabled", newCfg.Maintenance.IsEnabled()),
		logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
	) {
		restart("maintenance")
	}

	if section("debug", oldCfg.Debug, newCfg.Debug,
		logx.Bool("debug.enabled", newCfg.Debug.Enabled),
		logx.String("debug.addr", newCfg.Debug.Addr),
		logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
	) {
		restart("debug")
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}
