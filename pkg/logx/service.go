package logx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	// JSON switches the console sink from the human-readable writer to raw JSON lines.
	JSON   bool
	File   FileConfig
	Alerts AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards records at MinLevel (default warn) or above to the
// alert sink, at most RatePerSec per second (default 1).
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Alert is one forwarded log record.
type Alert struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Component string         `json:"comp,omitempty"`
	Message   string         `json:"message"`
	Error     string         `json:"err,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// AlertSink receives alerts on the service's own goroutine. It must not
// log at alert level itself.
type AlertSink func(Alert)

const alertQueueSize = 256

// Service owns the sinks behind every Logger it hands out. Apply swaps
// them at runtime; loggers keep working across the swap.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file     *os.File
	filePath string

	alertMu  sync.Mutex
	alertMin zerolog.Level
	alertLim *rate.Limiter
	sink     AlertSink

	alertQ    chan Alert
	alertOnce sync.Once
	alertStop chan struct{}
	alertDone chan struct{}
	dropped   atomic.Uint64
}

// New creates the logging service, applies the initial config immediately,
// and returns both the Service and a root Logger. A sink that cannot be
// opened is reported through the returned logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{cfg: cfg}
	s.root.Store(newConsoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel)))

	log := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		log.Warn("log sink unavailable", Err(err))
	}
	return s, log
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetAlertSink installs the alert destination. A nil sink discards alerts.
func (s *Service) SetAlertSink(fn AlertSink) {
	s.alertMu.Lock()
	s.sink = fn
	s.alertMu.Unlock()
}

// AlertsDropped counts alerts lost to the rate limit or a full queue.
func (s *Service) AlertsDropped() uint64 { return s.dropped.Load() }

// Apply swaps sinks and levels. A log file that fails to open is reported;
// the previously open file, if any, stays in use.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var errs []error
	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, zerolog.SyncWriter(os.Stdout))
		} else {
			writers = append(writers, newConsoleWriter(os.Stdout))
		}
	}

	if cfg.File.Enabled {
		if err := s.openFile(cfg.File.Path); err != nil {
			errs = append(errs, err)
		}
		if s.file != nil {
			writers = append(writers, zerolog.SyncWriter(s.file))
		}
	} else if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file, s.filePath = nil, ""
	}

	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.Alerts.Enabled {
		s.configureAlerts(cfg.Alerts)
		writers = append(writers, alertWriter{svc: s})
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
	return errors.Join(errs...)
}

// openFile reuses the open file when the path is unchanged.
func (s *Service) openFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./botfleet.log"
	}
	if s.file != nil && s.filePath == path {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("log file %q: %w", path, err)
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.filePath = f, path
	return nil
}

func (s *Service) configureAlerts(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	s.alertMu.Lock()
	s.alertMin = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if s.alertLim == nil {
		s.alertLim = rate.NewLimiter(rate.Limit(rps), rps)
	} else {
		s.alertLim.SetLimit(rate.Limit(rps))
		s.alertLim.SetBurst(rps)
	}
	s.alertMu.Unlock()

	s.alertOnce.Do(func() {
		s.alertQ = make(chan Alert, alertQueueSize)
		s.alertStop = make(chan struct{})
		s.alertDone = make(chan struct{})
		go s.alertLoop(s.alertQ, s.alertStop, s.alertDone)
	})
}

// offer runs on the logging goroutine; p is only valid for the call.
func (s *Service) offer(level zerolog.Level, p []byte) {
	s.alertMu.Lock()
	minLevel, lim := s.alertMin, s.alertLim
	s.alertMu.Unlock()
	if lim == nil || level < minLevel {
		return
	}
	if !lim.Allow() {
		s.dropped.Add(1)
		return
	}
	a := decodeAlert(level, p)
	select {
	case s.alertQ <- a:
	default:
		s.dropped.Add(1)
	}
}

func (s *Service) alertLoop(q <-chan Alert, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case a := <-q:
			s.alertMu.Lock()
			sink := s.sink
			s.alertMu.Unlock()
			if sink != nil {
				deliverAlert(sink, a)
			}
		}
	}
}

func deliverAlert(sink AlertSink, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "logx: alert sink panic: %v\n", r)
		}
	}()
	sink(a)
}

func decodeAlert(level zerolog.Level, p []byte) Alert {
	a := Alert{Time: time.Now(), Level: level.String()}
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		a.Message = strings.TrimSpace(string(p))
		return a
	}
	take := func(k string) string {
		v, _ := rec[k].(string)
		delete(rec, k)
		return v
	}
	a.Message = take(zerolog.MessageFieldName)
	a.Component = take("comp")
	a.Error = take(zerolog.ErrorFieldName)
	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.TimestampFieldName)
	delete(rec, zerolog.CallerFieldName)
	if len(rec) > 0 {
		a.Fields = rec
	}
	return a
}

// alertWriter only sees JSON records; zerolog routes by level through
// WriteLevel.
type alertWriter struct{ svc *Service }

func (w alertWriter) Write(p []byte) (int, error) { return len(p), nil }

func (w alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.svc.offer(level, p)
	return len(p), nil
}

// Close stops alert delivery and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file, s.filePath = nil, ""
	stop, done := s.alertStop, s.alertDone
	s.alertStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func newConsoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(os.Stdout)).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}
