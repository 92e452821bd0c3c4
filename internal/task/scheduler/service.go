package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wadispatch/internal/task/engine"
	"wadispatch/pkg/logx"
)

const enqueueWarnEvery = time.Minute

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer

	parser  cron.Parser
	c       *cron.Cron
	started bool
	defs    map[string]*scheduleDef

	lastWarn map[string]time.Time
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		engine: eng,
		// SecondOptional accepts both 5-field and 6-field specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*scheduleDef{},
		lastWarn: map[string]time.Time{},
	}
}

// Location is the timezone schedules and daily jobs are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

// Add registers or replaces the schedule called name. Registration works
// before Start; entries are attached to cron when it runs.
func (s *Service) Add(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Expr()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, opt: opt, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.attachLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// RunNow enqueues the named job immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	d := s.defs[name]
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.fire(d)
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if !s.started {
		return
	}
	switch {
	case !cfg.Enabled:
		if s.c != nil {
			s.stopLocked()
			s.log.Info("scheduler disabled")
		}
	case s.c == nil:
		s.startLocked()
	case strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone):
		s.stopLocked()
		s.startLocked()
	}
}

// Start begins triggering. While disabled it only arms the service so a
// later Apply can enable it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; not triggering")
		return
	}
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: loc.String()}
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.attachLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
}

func (s *Service) attachLocked(d *scheduleDef) error {
	id, err := s.c.AddFunc(d.spec, func() {
		if err := s.fire(d); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
			s.warnEnqueue(d.name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

func (s *Service) removeLocked(name string) bool {
	d := s.defs[name]
	if d == nil {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) fire(d *scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{Name: d.name, Timeout: d.timeout, Opt: d.opt, Run: d.job})
}

func (s *Service) warnEnqueue(name string, err error) {
	now := time.Now()
	s.mu.Lock()
	last := s.lastWarn[name]
	if now.Sub(last) < enqueueWarnEvery {
		s.mu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.mu.Unlock()
	s.log.Warn("schedule enqueue failed", logx.String("name", name), logx.Err(err))
}

func (s *Service) loadLocationLocked() *time.Location {
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
