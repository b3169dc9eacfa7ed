package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "gatebot/pkg/logx"
)

type Config struct {
	Timezone string // IANA name; empty means Local
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type schedule struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

// Service owns one robfig/cron instance.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	defs []*schedule
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

// Add registers job under name. Names are unique. Schedules added after
// Start are live immediately.
func (s *Service) Add(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if job == nil {
		return errors.New("scheduler: nil job")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return fmt.Errorf("scheduler: %q already registered", name)
		}
	}
	d := &schedule{name: name, spec: ps, timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

// Start begins triggering. Jobs receive a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.loc = s.location()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
	s.log.Info("scheduler stopped")
}

// Snapshot lists registered schedules with their next and previous runs.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec.String(), Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) registerLocked(d *schedule) {
	job := cron.FuncJob(func() { s.run(d) })
	if d.spec.Kind == SpecInterval {
		sched, jitter := withStartupSpread(d.spec.Every, time.Now().In(s.loc), d.name)
		d.entryID = s.c.Schedule(sched, job)
		s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec.String()), logx.Duration("spread", jitter))
		return
	}
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		// ParseSchedule already accepted it with the same parser.
		s.log.Error("schedule rejected", logx.String("name", d.name), logx.Err(err))
		return
	}
	d.entryID = id
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec.String()))
}

func (s *Service) run(d *schedule) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.job(ctx)
	fields := []logx.Field{logx.String("name", d.name), logx.Duration("took", time.Since(start))}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduled job failed", append(fields, logx.Err(err))...)
		return
	}
	s.log.Debug("scheduled job done", fields...)
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger for the job wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
