package maintenance

import (
	"context"
	"time"

	logx "botfleet/pkg/logx"
)

// Targets are the components with periodic housekeeping. Nil fields are
// skipped.
type Targets struct {
	Queue interface {
		ReapExpired(now time.Time) int
		Prune(ctx context.Context, before time.Time) int
	}
	Broadcasts interface {
		PruneStatus(ctx context.Context, now time.Time) int
	}
	Limiter interface {
		Prune() int
	}
}

// Schedules configures the standard tasks. Empty schedules disable a task.
type Schedules struct {
	ReapLeases   string
	PruneJobs    string
	JobRetention time.Duration
	PruneStatus  string
	PruneBuckets string
}

func DefaultSchedules() Schedules {
	return Schedules{
		ReapLeases:   "5s",
		PruneJobs:    "@every 10m",
		JobRetention: 24 * time.Hour,
		PruneStatus:  "1m",
		PruneBuckets: "1m",
	}
}

// StandardTasks builds the engine's housekeeping tasks.
func StandardTasks(t Targets, sc Schedules, now func() time.Time, log logx.Logger) []Task {
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var out []Task
	if t.Queue != nil && sc.ReapLeases != "" {
		out = append(out, Task{Name: "queue.reap_leases", Schedule: sc.ReapLeases, Run: func(context.Context) error {
			if n := t.Queue.ReapExpired(now()); n > 0 {
				log.Info("expired leases returned to queue", logx.Int("jobs", n))
			}
			return nil
		}})
	}
	if t.Queue != nil && sc.PruneJobs != "" && sc.JobRetention > 0 {
		out = append(out, Task{Name: "queue.prune", Schedule: sc.PruneJobs, Run: func(ctx context.Context) error {
			if n := t.Queue.Prune(ctx, now().Add(-sc.JobRetention)); n > 0 {
				log.Info("terminal jobs pruned", logx.Int("jobs", n))
			}
			return nil
		}})
	}
	if t.Broadcasts != nil && sc.PruneStatus != "" {
		out = append(out, Task{Name: "broadcast.prune_status", Schedule: sc.PruneStatus, Run: func(ctx context.Context) error {
			if n := t.Broadcasts.PruneStatus(ctx, now()); n > 0 {
				log.Debug("broadcast status pruned", logx.Int("broadcasts", n))
			}
			return nil
		}})
	}
	if t.Limiter != nil && sc.PruneBuckets != "" {
		out = append(out, Task{Name: "limiter.prune", Schedule: sc.PruneBuckets, Run: func(context.Context) error {
			if n := t.Limiter.Prune(); n > 0 {
				log.Debug("idle chat buckets dropped", logx.Int("buckets", n))
			}
			return nil
		}})
	}
	return out
}
