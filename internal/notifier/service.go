package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"wadispatch/internal/eventbus"
	"wadispatch/internal/runtime/supervisor"
	"wadispatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Forwarded event types. Everything else on the bus stays internal.
var forwarded = map[string]bool{
	eventbus.MessageSent:    true,
	eventbus.MessageFailed:  true,
	eventbus.CampaignUpdate: true,
	eventbus.SessionStatus:  true,
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type job struct {
	ev  eventbus.Event
	key string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store DedupStore

	cfg     Config
	client  *resty.Client
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *supervisor.Supervisor
	unsub     func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, bus eventbus.Bus, store DedupStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, store: store, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the webhook target, pacing, retry and dedup settings. Pool and
// queue sizes apply on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.client = resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "wadispatch-notifier")
	if cfg.Token != "" {
		s.client.SetAuthToken(cfg.Token)
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to the bus and launches workers. It is idempotent and a
// no-op while disabled or without a URL.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	if s.cfg.URL == "" {
		s.log.Warn("notifier enabled without url; not starting")
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	for i := 0; i < s.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return c.Err()
		})
	}
	if s.bus != nil {
		events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
		s.unsub = unsub
		sup.Go("forward", func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if !forwarded[ev.Type] {
						continue
					}
					if err := s.Notify(c, ev); errors.Is(err, ErrQueueFull) {
						s.log.Warn("notifier queue full; event dropped", logx.String("type", ev.Type))
					}
				}
			}
		})
	}
	s.queue, s.sup, s.accepting = q, sup, true
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop stops intake and drains the queue until ctx is done; whatever is left
// is abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.sendWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
		s.log.Warn("notifier stop timed out; pending events dropped")
	}

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
	s.log.Info("notifier stopped")
}

// Notify queues ev for the webhook without blocking. Suppressed duplicates
// return nil.
func (s *Service) Notify(ctx context.Context, ev eventbus.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, cfg := s.queue, s.cfg
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(ev)
	if cfg.DedupWindow > 0 && key != "" && !s.dedupAllow(ctx, key, cfg) {
		s.log.Debug("notifier suppressed duplicate", logx.String("type", ev.Type))
		return nil
	}
	select {
	case q <- job{ev: ev, key: key}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, client, lim := s.cfg, s.client, s.limiter
	s.mu.Unlock()

	body := envelope{Type: j.ev.Type, Time: j.ev.Time, Data: j.ev.Data}
	item := HistoryItem{Type: j.ev.Type}
	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		status, err := post(ctx, client, cfg.URL, body)
		item.At, item.Status = time.Now(), status
		if err == nil {
			item.Error = ""
			break
		}
		item.Error = err.Error()
		s.log.Debug("webhook post failed", logx.Err(err), logx.Int("attempt", attempt))
		if !retryable(status) || attempt > cfg.RetryMax {
			s.log.Warn("webhook post gave up", logx.String("type", j.ev.Type), logx.Int("attempts", attempt), logx.Err(err))
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.appendHistory(item)
}

func post(ctx context.Context, client *resty.Client, url string, body envelope) (int, error) {
	resp, err := client.R().SetContext(ctx).SetBody(body).Post(url)
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return resp.StatusCode(), fmt.Errorf("webhook: %s", resp.Status())
	}
	return resp.StatusCode(), nil
}

// retryable is true for transport errors, 429 and 5xx.
func retryable(status int) bool {
	return status == 0 || status == 429 || status >= 500
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

// dedupKey identifies repeatable session-status events. Other event types
// are never suppressed.
func dedupKey(ev eventbus.Event) string {
	if ev.Type != eventbus.SessionStatus {
		return ""
	}
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(ev.Type))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write(b)
	return fmt.Sprintf("notify:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, t := range s.dedup {
		if !now.Before(t) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var oldest string
		var oldestAt time.Time
		for k, t := range s.dedup {
			if oldest == "" || t.Before(oldestAt) {
				oldest, oldestAt = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}
