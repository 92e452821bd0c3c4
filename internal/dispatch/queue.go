package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"wadispatch/internal/channel"
	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/ratelimit"
	"wadispatch/internal/receipts"
	"wadispatch/internal/runtime/supervisor"
	"wadispatch/internal/storage"
	"wadispatch/pkg/logx"
)

// Store is the subset of storage the queue writes through.
type Store interface {
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	TransitionMessage(ctx context.Context, id string, from []domain.MessageStatus, upd storage.MessageUpdate) (bool, error)
	IncrementCampaignCounters(ctx context.Context, id string, d storage.CounterDelta) error
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	FindMessageByProviderRef(ctx context.Context, ref string) (domain.Message, error)
	ListUnfinishedMessages(ctx context.Context, channelID string) ([]domain.Message, error)
}

type Limiter interface {
	CanSend(channelID string) ratelimit.Decision
	RecordSent(channelID string)
	RecordError(channelID, errText string) bool
}

type Sender interface {
	Send(ctx context.Context, channelID, target string, p domain.Payload) (channel.SendResult, error)
}

const (
	DefaultHumanDelayMin = 2 * time.Second
	DefaultHumanDelayMax = 6 * time.Second
	DefaultStoreRetry    = 5 * time.Second

	// settleAttempts bounds how often an outcome write is retried after the
	// adapter has already been called.
	settleAttempts = 3
)

var (
	ErrEmptyChannel = errors.New("dispatch: message has no channel")
	ErrAdapterPanic = errors.New("dispatch: adapter panicked")
)

type delayRange struct{ min, max time.Duration }

func (r delayRange) normalized() delayRange {
	if r.min < 0 {
		r.min = 0
	}
	if r.max < r.min {
		r.max = r.min
	}
	return r
}

type lane struct {
	items   []string
	queued  map[string]struct{}
	current string
}

// Queue is safe for concurrent use.
type Queue struct {
	store    Store
	limiter  Limiter
	sender   Sender
	sup      *supervisor.Supervisor
	clock    Clock
	bus      eventbus.Bus
	receipts receipts.Cache
	log      logx.Logger
	rand     func() float64
	ready    func(channelID string) bool

	mu         sync.Mutex
	lanes      map[string]*lane // present iff a consumer is running
	delays     map[string]delayRange
	defDelay   delayRange
	storeRetry time.Duration
	onSettled  func(ctx context.Context, m domain.Message)
}

type Option func(*Queue)

func WithClock(c Clock) Option         { return func(q *Queue) { q.clock = c } }
func WithBus(b eventbus.Bus) Option    { return func(q *Queue) { q.bus = b } }
func WithLogger(l logx.Logger) Option  { return func(q *Queue) { q.log = l } }
func WithRand(f func() float64) Option { return func(q *Queue) { q.rand = f } }
func WithReceipts(c receipts.Cache) Option {
	return func(q *Queue) { q.receipts = c }
}

// WithReadyCheck parks a lane while ready reports false for its channel.
// Parked messages stay pending or queued in the store; Requeue resumes them.
func WithReadyCheck(ready func(channelID string) bool) Option {
	return func(q *Queue) { q.ready = ready }
}

// WithOnSettled registers a hook run after each campaign message settles.
func WithOnSettled(fn func(ctx context.Context, m domain.Message)) Option {
	return func(q *Queue) { q.onSettled = fn }
}

func WithHumanDelay(min, max time.Duration) Option {
	return func(q *Queue) { q.defDelay = delayRange{min, max}.normalized() }
}

func WithStoreRetry(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.storeRetry = d
		}
	}
}

func New(sup *supervisor.Supervisor, store Store, limiter Limiter, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		limiter:    limiter,
		sender:     sender,
		sup:        sup,
		clock:      SystemClock,
		log:        logx.Nop(),
		rand:       rand.Float64,
		lanes:      map[string]*lane{},
		delays:     map[string]delayRange{},
		defDelay:   delayRange{DefaultHumanDelayMin, DefaultHumanDelayMax},
		storeRetry: DefaultStoreRetry,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// SetOnSettled replaces the settle hook. The campaign orchestrator is built
// after the queue, so it is wired here.
func (q *Queue) SetOnSettled(fn func(ctx context.Context, m domain.Message)) {
	q.mu.Lock()
	q.onSettled = fn
	q.mu.Unlock()
}

func (q *Queue) SetDefaultHumanDelay(min, max time.Duration) {
	q.mu.Lock()
	q.defDelay = delayRange{min, max}.normalized()
	q.mu.Unlock()
}

// SetHumanDelay overrides a channel's delay range. A zero range clears it.
func (q *Queue) SetHumanDelay(channelID string, min, max time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if min == 0 && max == 0 {
		delete(q.delays, channelID)
		return
	}
	q.delays[channelID] = delayRange{min, max}.normalized()
}

// Enqueue appends m to its channel's lane and starts the consumer if none
// runs. It reports false when m is already in the lane.
func (q *Queue) Enqueue(m domain.Message) (bool, error) {
	if m.ChannelID == "" {
		return false, ErrEmptyChannel
	}
	q.mu.Lock()
	l, running := q.lanes[m.ChannelID]
	if !running {
		l = &lane{queued: map[string]struct{}{}}
		q.lanes[m.ChannelID] = l
	}
	if _, dup := l.queued[m.ID]; dup {
		q.mu.Unlock()
		return false, nil
	}
	l.queued[m.ID] = struct{}{}
	l.items = append(l.items, m.ID)
	q.mu.Unlock()

	if !running {
		ch := m.ChannelID
		q.sup.Go("dispatch.lane", func(ctx context.Context) error {
			q.consume(ctx, ch)
			return nil
		})
	}
	return true, nil
}

// Drop discards a channel's backlog. A send already in flight completes.
func (q *Queue) Drop(channelID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.delays, channelID)
	l, ok := q.lanes[channelID]
	if !ok {
		return 0
	}
	n := len(l.items)
	l.items = nil
	l.queued = map[string]struct{}{}
	if l.current != "" {
		n--
		l.queued[l.current] = struct{}{}
	}
	return n
}

// LaneStats describes one running lane.
type LaneStats struct {
	ChannelID string `json:"channel_id"`
	Backlog   int    `json:"backlog"`
	Current   string `json:"current,omitempty"`
}

func (q *Queue) Stats() []LaneStats {
	q.mu.Lock()
	out := make([]LaneStats, 0, len(q.lanes))
	for id, l := range q.lanes {
		out = append(out, LaneStats{ChannelID: id, Backlog: len(l.items), Current: l.current})
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Running reports whether channelID has a live consumer.
func (q *Queue) Running(channelID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.lanes[channelID]
	return ok
}

// head returns the lane's first item, or retires the lane when it is empty.
func (q *Queue) head(channelID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[channelID]
	if !ok {
		return "", false
	}
	if len(l.items) == 0 {
		delete(q.lanes, channelID)
		return "", false
	}
	l.current = l.items[0]
	return l.current, true
}

func (q *Queue) pop(channelID, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[channelID]
	if !ok {
		return
	}
	if len(l.items) > 0 && l.items[0] == id {
		l.items[0] = ""
		l.items = l.items[1:]
	}
	delete(l.queued, id)
	l.current = ""
}

// park retires a lane without draining it.
func (q *Queue) park(channelID string) {
	q.mu.Lock()
	delete(q.lanes, channelID)
	q.mu.Unlock()
}

func (q *Queue) humanDelay(channelID string) time.Duration {
	q.mu.Lock()
	r, ok := q.delays[channelID]
	if !ok {
		r = q.defDelay
	}
	q.mu.Unlock()
	if r.max <= r.min {
		return r.min
	}
	return r.min + time.Duration(q.rand()*float64(r.max-r.min))
}

func (q *Queue) settledHook() func(ctx context.Context, m domain.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.onSettled
}

func (q *Queue) consume(ctx context.Context, channelID string) {
	log := q.log.With(logx.String("channel", channelID))
	log.Debug("lane consumer started")
	defer log.Debug("lane consumer stopped")
	defer func() {
		if r := recover(); r != nil {
			log.Error("lane consumer panicked; parking lane", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			q.park(channelID)
		}
	}()

	for {
		id, ok := q.head(channelID)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			q.park(channelID)
			return
		}
		if q.ready != nil && !q.ready(channelID) {
			log.Warn("channel not connected; parking lane", logx.Int("backlog", q.backlog(channelID)))
			q.park(channelID)
			return
		}

		attempted, err := q.process(ctx, log, channelID, id)
		if err != nil {
			// Shutdown. The message is still pending or queued in the store.
			q.park(channelID)
			return
		}
		q.pop(channelID, id)
		if attempted {
			if err := q.clock.Sleep(ctx, q.humanDelay(channelID)); err != nil {
				q.park(channelID)
				return
			}
		}
	}
}

func (q *Queue) backlog(channelID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[channelID]; ok {
		return len(l.items)
	}
	return 0
}

var claimable = []domain.MessageStatus{domain.MessagePending, domain.MessageQueued}

// process drives one message to a settled state. It reports whether the
// adapter was called; a non-nil error means ctx ended first.
func (q *Queue) process(ctx context.Context, log logx.Logger, channelID, id string) (bool, error) {
	log = log.With(logx.String("message", id))
	for {
		m, err := q.store.GetMessage(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("queued message not found; skipping")
			return false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Warn("failed to load message; retrying", logx.Err(err), logx.Duration("backoff", q.storeRetry))
			if err := q.clock.Sleep(ctx, q.storeRetry); err != nil {
				return false, err
			}
			continue
		}
		if !m.Status.Dispatchable() {
			log.Debug("message no longer dispatchable; skipping", logx.String("status", string(m.Status)))
			return false, nil
		}
		if !m.Due(q.clock.Now()) {
			log.Debug("message not due yet; leaving for the due scan")
			return false, nil
		}
		if m.ChannelID != channelID {
			log.Warn("message belongs to another channel; skipping", logx.String("owner", m.ChannelID))
			return false, nil
		}

		if err := q.waitForSlot(ctx, log, channelID); err != nil {
			return false, err
		}

		claimed, err := q.store.TransitionMessage(ctx, id, claimable, storage.MessageUpdate{Status: domain.MessageProcessing})
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Warn("failed to claim message; not sending", logx.Err(err), logx.Duration("backoff", q.storeRetry))
			if err := q.clock.Sleep(ctx, q.storeRetry); err != nil {
				return false, err
			}
			continue
		}
		if !claimed {
			log.Debug("message changed state before send; skipping")
			return false, nil
		}

		// In-flight sends are not aborted by shutdown.
		sendCtx := context.WithoutCancel(ctx)
		res, sendErr := q.send(sendCtx, log, channelID, m)
		if sendErr != nil {
			q.settleFailure(sendCtx, log, m, sendErr)
		} else {
			q.settleSuccess(sendCtx, log, m, res)
		}
		if fn := q.settledHook(); fn != nil && m.CampaignID != "" {
			fn(sendCtx, m)
		}
		return true, nil
	}
}

// send calls the adapter. A panicking adapter fails the message instead of
// taking the lane down with it.
func (q *Queue) send(ctx context.Context, log logx.Logger, channelID string, m domain.Message) (res channel.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("adapter panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res, err = channel.SendResult{}, fmt.Errorf("%w: %v", ErrAdapterPanic, r)
		}
	}()
	return q.sender.Send(ctx, channelID, m.Target, m.Payload)
}

// waitForSlot loops on the limiter until it allows a send.
func (q *Queue) waitForSlot(ctx context.Context, log logx.Logger, channelID string) error {
	for {
		d := q.limiter.CanSend(channelID)
		if d.Allowed {
			return nil
		}
		if d.Reason == ratelimit.ReasonPacing {
			log.Debug("pacing", logx.Duration("wait", d.Wait))
		} else {
			log.Warn("send refused by rate limiter", logx.String("reason", d.Reason), logx.Duration("wait", d.Wait))
		}
		if err := q.clock.Sleep(ctx, d.Wait); err != nil {
			return err
		}
	}
}

func (q *Queue) settleSuccess(ctx context.Context, log logx.Logger, m domain.Message, res channel.SendResult) {
	now := q.clock.Now()
	q.limiter.RecordSent(m.ChannelID)

	q.retryWrite(ctx, log, "mark sent", func() error {
		_, err := q.store.TransitionMessage(ctx, m.ID, []domain.MessageStatus{domain.MessageProcessing},
			storage.MessageUpdate{Status: domain.MessageSent, SentAt: &now, ProviderRef: res.ProviderRef})
		return err
	})
	if m.CampaignID != "" {
		q.retryWrite(ctx, log, "count success", func() error {
			return q.store.IncrementCampaignCounters(ctx, m.CampaignID, storage.CounterDelta{Sent: 1, Success: 1})
		})
	}
	if q.receipts != nil {
		if err := q.receipts.Put(ctx, receipts.Receipt{MessageID: m.ID, ProviderRef: res.ProviderRef, SentAt: now}); err != nil {
			log.Warn("failed to cache receipt", logx.Err(err))
		}
	}

	log.Debug("message sent", logx.String("provider_ref", res.ProviderRef), logx.String("kind", string(m.Payload.Kind())))
	eventbus.Emit(q.bus, eventbus.MessageSent, map[string]any{
		"message_id":   m.ID,
		"channel_id":   m.ChannelID,
		"campaign_id":  m.CampaignID,
		"target":       m.Target,
		"provider_ref": res.ProviderRef,
		"sent_at":      now,
	})
}

func (q *Queue) settleFailure(ctx context.Context, log logx.Logger, m domain.Message, sendErr error) {
	reason := sendErr.Error()
	abuse := q.limiter.RecordError(m.ChannelID, reason)

	q.retryWrite(ctx, log, "mark failed", func() error {
		_, err := q.store.TransitionMessage(ctx, m.ID, []domain.MessageStatus{domain.MessageProcessing},
			storage.MessageUpdate{Status: domain.MessageFailed, FailureReason: reason})
		return err
	})
	if m.CampaignID != "" {
		q.retryWrite(ctx, log, "count failure", func() error {
			return q.store.IncrementCampaignCounters(ctx, m.CampaignID, storage.CounterDelta{Sent: 1, Failure: 1})
		})
	}

	log.Warn("message failed", logx.Err(sendErr), logx.Bool("abuse_signal", abuse))
	eventbus.Emit(q.bus, eventbus.MessageFailed, map[string]any{
		"message_id":  m.ID,
		"channel_id":  m.ChannelID,
		"campaign_id": m.CampaignID,
		"target":      m.Target,
		"reason":      reason,
	})
}

func (q *Queue) retryWrite(ctx context.Context, log logx.Logger, what string, fn func() error) {
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		if err = fn(); err == nil {
			return
		}
		if attempt < settleAttempts {
			_ = q.clock.Sleep(ctx, q.storeRetry)
		}
	}
	log.Error("failed to record outcome", logx.String("op", what), logx.Err(err))
}
