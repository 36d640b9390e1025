package app

import (
	"fmt"
	"strings"

	"botfleet/internal/broadcast"
	"botfleet/internal/config"
	"botfleet/internal/delivery"
	"botfleet/internal/eventbus/natsbridge"
	"botfleet/internal/observability/debugsrv"
	"botfleet/internal/maintenance"
	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/sandbox"
	"botfleet/internal/tenant"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

// settings are the component configs derived from one config.Config.
type settings struct {
	logging     logx.Config
	limiter     ratelimit.Config
	sandbox     sandbox.Config
	runner      string
	runnerPath  string
	heapCeiling uint64
	queue       queue.Config
	delivery    delivery.Config
	broadcast   broadcast.Config
	registry    tenant.RegistryConfig
	host        tenant.HostConfig
	telegram    telegram.Config
	nats        natsbridge.Config
	maintenance maintenance.Config
	schedules   maintenance.Schedules
	maintain    bool
	debug       *debugsrv.Config
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    c.Alerts.Enabled,
			MinLevel:   c.Alerts.MinLevel,
			RatePerSec: c.Alerts.RatePerSec,
		},
	}
}

// mapConfig converts durations and applies the defaults owned by the app
// layer. Component defaults stay inside each component.
func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, fmt.Errorf("config is nil")
	}
	var d config.Durations
	var s settings

	s.logging = mapLogging(cfg.Logging)

	l := cfg.Limiter
	s.limiter = ratelimit.Config{
		GlobalRate:  l.GlobalRate,
		GlobalBurst: l.GlobalBurst,
		BotRate:     l.BotRate,
		BotBurst:    l.BotBurst,
		ChatRate:    l.ChatRate,
		ChatBurst:   l.ChatBurst,
		IdleTTL:     d.Get("limiter.idle_ttl", l.IdleTTL),
	}

	sb := cfg.Sandbox
	s.runner = strings.ToLower(strings.TrimSpace(sb.Runner))
	if s.runner == "" {
		s.runner = config.RunnerGoja
	}
	s.runnerPath = strings.TrimSpace(sb.RunnerPath)
	s.heapCeiling = sb.HeapCeiling
	s.sandbox = sandbox.Config{
		Limits: sandbox.Limits{
			Timeout:       d.Get("sandbox.timeout", sb.Timeout),
			MaxReplies:    sb.MaxReplies,
			MaxReplyBytes: sb.MaxReplyBytes,
			MaxCallStack:  sb.MaxCallStack,
			MaxLogLines:   sb.MaxLogLines,
			MemoryBytes:   sb.MemoryBytes,
			CPUSeconds:    sb.CPUSeconds,
		},
		Grace:         d.Get("sandbox.grace", sb.Grace),
		MaxConcurrent: sb.MaxConcurrent,
		MaxPerBot:     sb.MaxPerBot,
		SlotWait:      d.Get("sandbox.slot_wait", sb.SlotWait),
		MaxCodeBytes:  sb.MaxCodeBytes,
	}

	s.queue = queue.Config{
		LeaseTimeout: d.Get("queue.lease_timeout", cfg.Queue.LeaseTimeout),
		MaxAttempts:  cfg.Queue.MaxAttempts,
		DequeueWait:  d.Get("queue.dequeue_wait", cfg.Queue.DequeueWait),
		MaxOpen:      cfg.Queue.MaxOpen,
	}

	dc := cfg.Delivery
	s.delivery = delivery.Config{
		Workers:           dc.Workers,
		SendTimeout:       d.Get("delivery.send_timeout", dc.SendTimeout),
		RetryBase:         d.Get("delivery.retry_base", dc.RetryBase),
		RetryMaxDelay:     d.Get("delivery.retry_max_delay", dc.RetryMaxDelay),
		RetryJitter:       dc.RetryJitter,
		CircuitTripAfter:  dc.CircuitTripAfter,
		CircuitOpenFor:    d.Get("delivery.circuit_open_for", dc.CircuitOpenFor),
		CircuitMaxOpen:    d.Get("delivery.circuit_max_open", dc.CircuitMaxOpen),
		CircuitResetAfter: d.Get("delivery.circuit_reset_after", dc.CircuitResetAfter),
	}

	bc := cfg.Broadcast
	s.broadcast = broadcast.Config{
		ExpandChunk: bc.ExpandChunk,
		StatusTTL:   d.Get("broadcast.status_ttl", bc.StatusTTL),
		StatusMax:   bc.StatusMax,
		MaxAttempts: bc.MaxAttempts,
		NotifyOwner: bc.NotifyOwner,
	}

	s.registry = tenant.RegistryConfig{MaxBotsPerOwner: cfg.Tenant.MaxBotsPerOwner}
	stop := strings.TrimSpace(cfg.Tenant.StopCommand)
	switch stop {
	case "":
		stop = "stop"
	case "-":
		stop = ""
	}
	s.host = tenant.HostConfig{ReplyErrors: sb.ReplyErrors, StopCommand: stop}

	tc := cfg.Telegram
	s.telegram = telegram.Config{
		APIURL:      strings.TrimSpace(tc.APIURL),
		PollTimeout: d.Get("telegram.poll_timeout", tc.PollTimeout),
		HTTPTimeout: d.Get("telegram.http_timeout", tc.HTTPTimeout),
		StopGrace:   d.Get("telegram.stop_grace", tc.StopGrace),
	}

	nc := cfg.Events.NATS
	s.nats = natsbridge.Config{URL: strings.TrimSpace(nc.URL), Name: nc.Name, Prefix: nc.Prefix, Buffer: nc.Buffer}

	if dc := cfg.Debug; dc.Enabled {
		s.debug = &debugsrv.Config{
			Addr:                 strings.TrimSpace(dc.Addr),
			Token:                dc.Token,
			AllowInsecure:        dc.AllowInsecure,
			MutexProfileFraction: dc.MutexProfileFraction,
			BlockProfileRate:     dc.BlockProfileRate,
		}
	}

	mc := cfg.Maintenance
	s.maintain = mc.IsEnabled()
	s.maintenance = maintenance.Config{
		Timezone:       strings.TrimSpace(mc.Timezone),
		DefaultTimeout: d.Get("maintenance.default_timeout", mc.DefaultTimeout),
	}
	s.schedules = maintenance.DefaultSchedules()
	for _, sc := range []struct {
		path string
		raw  string
		dst  *string
	}{
		{"maintenance.reap_leases", mc.ReapLeases, &s.schedules.ReapLeases},
		{"maintenance.prune_jobs", mc.PruneJobs, &s.schedules.PruneJobs},
		{"maintenance.prune_status", mc.PruneStatus, &s.schedules.PruneStatus},
		{"maintenance.prune_buckets", mc.PruneBuckets, &s.schedules.PruneBuckets},
	} {
		raw := strings.TrimSpace(sc.raw)
		switch raw {
		case "":
			continue
		case "-", "off":
			*sc.dst = ""
			continue
		}
		if _, err := maintenance.ParseSchedule(raw); err != nil {
			return settings{}, fmt.Errorf("%s: %w", sc.path, err)
		}
		*sc.dst = raw
	}
	if r := d.Get("maintenance.job_retention", mc.JobRetention); r > 0 {
		s.schedules.JobRetention = r
	}

	if err := d.Err(); err != nil {
		return settings{}, err
	}
	return s, nil
}

// newInvoker builds the handler runner selected by the config.
func newInvoker(s settings, log logx.Logger) (sandbox.HandlerInvoker, error) {
	switch s.runner {
	case config.RunnerProcess:
		inv, err := sandbox.NewProcessInvoker(s.runnerPath, nil, log)
		if err != nil {
			return nil, err
		}
		if s.sandbox.Grace > 0 {
			inv.Grace = s.sandbox.Grace
		}
		return inv, nil
	case config.RunnerGoja:
		return sandbox.NewGojaInvoker(s.heapCeiling, log), nil
	default:
		return nil, fmt.Errorf("sandbox.runner: unknown runner %q", s.runner)
	}
}
