package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wadispatch/internal/eventbus"
	"wadispatch/internal/runtime/supervisor"
	"wadispatch/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service runs tasks on a fixed worker pool. Enqueue never blocks; a full
// queue drops the task and reports ErrQueueFull.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q   chan queuedTask
	sup *supervisor.Supervisor

	stateMu sync.Mutex
	states  map[string]*RunState

	circuits circuitStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32

	droppedQueueFull uint64
	skippedOverlap   uint64
	skippedCircuit   uint64
	lastDropWarnAt   int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

// Apply updates retry, timeout, history and circuit settings. Pool size
// changes take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	running := s.q != nil
	if running {
		cfg.Workers, cfg.QueueSize = s.cfg.Workers, s.cfg.QueueSize
	}
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q != nil {
		return
	}
	cfg := s.cfg
	queue := make(chan queuedTask, cfg.QueueSize)
	sup := supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, queue)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.q, s.sup = queue, sup
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels running tasks and waits for workers until ctx is done.
// Queued tasks are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, q := s.sup, s.q
	s.q, s.sup = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	err := sup.Stop(ctx)
	for drained := false; !drained; {
		select {
		case qt := <-q:
			if qt.state != nil {
				qt.state.release()
			}
		default:
			drained = true
		}
	}
	if err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), atomic.AddUint64(&s.idSeq, 1))
	}

	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	opt := t.Opt.withDefaults(cfg)
	if until, open := s.circuits.isOpen(t.Name, now); open {
		atomic.AddUint64(&s.skippedCircuit, 1)
		s.record(cfg, HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		s.emit("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		return ErrCircuitOpen
	}

	var st *RunState
	if opt.Overlap == OverlapSkipIfRunning {
		st = s.stateFor(t.Name)
		if !st.tryAcquire() {
			atomic.AddUint64(&s.skippedOverlap, 1)
			s.emit("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	select {
	case q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st}:
		return nil
	default:
		if st != nil {
			st.release()
		}
		atomic.AddUint64(&s.droppedQueueFull, 1)
		s.emit("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
		if s.shouldWarn(now) {
			s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)))
		}
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		SkippedOverlap:   atomic.LoadUint64(&s.skippedOverlap),
		SkippedCircuit:   atomic.LoadUint64(&s.skippedCircuit),
		CircuitOpen:      s.circuits.open(time.Now()),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) record(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) emit(typ string, ev TaskEvent) { eventbus.Emit(s.bus, typ, ev) }

func (s *Service) shouldWarn(now time.Time) bool {
	prev := atomic.LoadInt64(&s.lastDropWarnAt)
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(&s.lastDropWarnAt, prev, n)
}
