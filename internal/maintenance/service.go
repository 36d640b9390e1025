package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "botfleet/pkg/logx"
)

var (
	ErrUnknownTask = errors.New("maintenance: unknown task")
	ErrDuplicate   = errors.New("maintenance: duplicate task name")
)

type Config struct {
	// Timezone applies to cron expressions; empty means local time.
	Timezone string
	// DefaultTimeout bounds a run when the task sets none. 0 means 1m.
	DefaultTimeout time.Duration
}

// Task is one periodic housekeeping function.
type Task struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type TaskStats struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastErr      string        `json:"last_err,omitempty"`
	Next         time.Time     `json:"next,omitempty"`
}

type task struct {
	def     Task
	spec    ParsedSpec
	entryID cron.EntryID
	running atomic.Bool

	mu    sync.Mutex
	stats TaskStats
}

// Service triggers tasks on their schedules. A run still in progress when
// its next tick fires causes that tick to be skipped.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	tasks  map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tasks:  make(map[string]*task),
	}
}

// Add registers a task. Tasks added after Start are scheduled immediately.
func (s *Service) Add(t Task) error {
	name := strings.TrimSpace(t.Name)
	if name == "" || t.Run == nil {
		return fmt.Errorf("maintenance: task needs a name and a run function")
	}
	spec, err := ParseSchedule(t.Schedule)
	if err != nil {
		return fmt.Errorf("maintenance: task %s: %w", name, err)
	}
	if spec.Kind == SpecCron {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("maintenance: task %s: %w", name, err)
		}
	}
	t.Name = name

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	tk := &task{def: t, spec: spec, stats: TaskStats{Name: name, Schedule: spec.Expr()}}
	s.tasks[name] = tk
	if s.c != nil {
		if err := s.scheduleLocked(tk); err != nil {
			delete(s.tasks, name)
			return err
		}
	}
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) scheduleLocked(tk *task) error {
	job := cron.FuncJob(func() { s.trigger(tk) })
	if tk.spec.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(tk.spec.Every, time.Now().In(s.loc), tk.def.Name)
		tk.entryID = s.c.Schedule(sched, job)
		s.log.Debug("task scheduled", logx.String("task", tk.def.Name), logx.Duration("every", tk.spec.Every), logx.Duration("spread", jitter))
		return nil
	}
	id, err := s.c.AddJob(tk.spec.Cron, job)
	if err != nil {
		return fmt.Errorf("maintenance: task %s: %w", tk.def.Name, err)
	}
	tk.entryID = id
	s.log.Debug("task scheduled", logx.String("task", tk.def.Name), logx.String("cron", tk.spec.Cron))
	return nil
}

// Start begins triggering. Runs use a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, tk := range s.tasks {
		if err := s.scheduleLocked(tk); err != nil {
			s.log.Warn("task not scheduled", logx.String("task", tk.def.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.tasks)))
}

// Stop halts triggering and waits for running tasks until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	stopped := c.Stop()
	cancel()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) trigger(tk *task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	_ = s.run(ctx, tk)
}

// RunNow runs a task synchronously, honouring the overlap guard.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	tk, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, tk)
}

func (s *Service) run(ctx context.Context, tk *task) (err error) {
	if !tk.running.CompareAndSwap(false, true) {
		tk.mu.Lock()
		tk.stats.Skipped++
		tk.mu.Unlock()
		s.log.Debug("task still running; tick skipped", logx.String("task", tk.def.Name))
		return nil
	}
	defer tk.running.Store(false)

	timeout := tk.def.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", tk.def.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		took := time.Since(start)
		tk.mu.Lock()
		tk.stats.Runs++
		tk.stats.LastRun = start
		tk.stats.LastDuration = took
		tk.stats.LastErr = ""
		if err != nil {
			tk.stats.Failures++
			tk.stats.LastErr = err.Error()
		}
		tk.mu.Unlock()
		if err != nil {
			s.log.Warn("task failed", logx.String("task", tk.def.Name), logx.Duration("took", took), logx.Err(err))
		}
	}()
	return tk.def.Run(rctx)
}

func (s *Service) Snapshot() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, tk := range s.tasks {
		tk.mu.Lock()
		st := tk.stats
		tk.mu.Unlock()
		if s.c != nil && tk.entryID != 0 {
			st.Next = s.c.Entry(tk.entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
