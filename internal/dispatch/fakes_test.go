package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/channel"
	"wadispatch/internal/domain"
	"wadispatch/internal/ratelimit"
	"wadispatch/internal/storage"
)

var errStoreDown = errors.New("store down")

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	if d > 0 {
		c.t = c.t.Add(d)
	}
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) slept(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sleeps {
		if s == d {
			return true
		}
	}
	return false
}

type fakeStore struct {
	mu        sync.Mutex
	msgs      map[string]*domain.Message
	order     []string
	counters  map[string]storage.CounterDelta
	claimErrs int
	loadErrs  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: map[string]*domain.Message{}, counters: map[string]storage.CounterDelta{}}
}

func (s *fakeStore) add(m domain.Message) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Status == "" {
		m.Status = domain.MessagePending
	}
	if m.Payload == nil {
		m.Payload = domain.Text{Body: "hi " + m.Target}
	}
	s.msgs[m.ID] = &m
	s.order = append(s.order, m.ID)
	return m
}

func (s *fakeStore) status(id string) domain.MessageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[id].Status
}

func (s *fakeStore) message(id string) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.msgs[id]
}

func (s *fakeStore) counter(id string) storage.CounterDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[id]
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErrs > 0 {
		s.loadErrs--
		return domain.Message{}, errStoreDown
	}
	m, ok := s.msgs[id]
	if !ok {
		return domain.Message{}, storage.ErrNotFound
	}
	return *m, nil
}

func (s *fakeStore) TransitionMessage(_ context.Context, id string, from []domain.MessageStatus, upd storage.MessageUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upd.Status == domain.MessageProcessing && s.claimErrs > 0 {
		s.claimErrs--
		return false, errStoreDown
	}
	m, ok := s.msgs[id]
	if !ok {
		return false, nil
	}
	match := false
	for _, f := range from {
		if m.Status == f {
			match = true
		}
	}
	if !match {
		return false, nil
	}
	m.Status = upd.Status
	if upd.SentAt != nil {
		at := *upd.SentAt
		m.SentAt = &at
	}
	if upd.FailureReason != "" {
		m.FailureReason = upd.FailureReason
	}
	if upd.ProviderRef != "" {
		m.ProviderRef = upd.ProviderRef
	}
	return true, nil
}

func (s *fakeStore) IncrementCampaignCounters(_ context.Context, id string, d storage.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[id]
	c.Sent += d.Sent
	c.Success += d.Success
	c.Failure += d.Failure
	s.counters[id] = c
	return nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.Status != domain.MessageSent {
		return false, nil
	}
	m.Status = domain.MessageDelivered
	m.DeliveredAt = &at
	return true, nil
}

func (s *fakeStore) FindMessageByProviderRef(_ context.Context, ref string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if m := s.msgs[id]; m.ProviderRef == ref {
			return *m, nil
		}
	}
	return domain.Message{}, storage.ErrNotFound
}

func (s *fakeStore) ListUnfinishedMessages(_ context.Context, channelID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, id := range s.order {
		m := s.msgs[id]
		if channelID != "" && m.ChannelID != channelID {
			continue
		}
		if !m.Status.Terminal() {
			out = append(out, *m)
		}
	}
	return out, nil
}

type sendCall struct {
	channel string
	target  string
	at      time.Time
}

type fakeSender struct {
	clock *fakeClock

	mu       sync.Mutex
	calls    []sendCall
	inflight map[string]int
	overlap  bool
	fail     map[string]string // target -> error text
	panicOn  map[string]bool
	hold     map[string]chan struct{}
	started  chan string
	pause    time.Duration
}

func newFakeSender(c *fakeClock) *fakeSender {
	return &fakeSender{
		clock:    c,
		inflight: map[string]int{},
		fail:     map[string]string{},
		panicOn:  map[string]bool{},
		hold:     map[string]chan struct{}{},
	}
}

func (f *fakeSender) Send(_ context.Context, channelID, target string, _ domain.Payload) (channel.SendResult, error) {
	f.mu.Lock()
	if f.panicOn[target] {
		f.calls = append(f.calls, sendCall{channel: channelID, target: target, at: f.clock.Now()})
		f.mu.Unlock()
		panic("driver bug")
	}
	f.inflight[channelID]++
	if f.inflight[channelID] > 1 {
		f.overlap = true
	}
	f.calls = append(f.calls, sendCall{channel: channelID, target: target, at: f.clock.Now()})
	hold := f.hold[target]
	started := f.started
	failText := f.fail[target]
	pause := f.pause
	f.mu.Unlock()

	if started != nil {
		started <- target
	}
	if hold != nil {
		<-hold
	}
	if pause > 0 {
		time.Sleep(pause)
	}

	f.mu.Lock()
	f.inflight[channelID]--
	f.mu.Unlock()
	if failText != "" {
		return channel.SendResult{}, errors.New(failText)
	}
	return channel.SendResult{ProviderRef: "ref-" + target}, nil
}

func (f *fakeSender) targets(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if channelID == "" || c.channel == channelID {
			out = append(out, c.target)
		}
	}
	return out
}

type allowAll struct {
	mu     sync.Mutex
	sent   int
	errors []string
}

func (a *allowAll) CanSend(string) ratelimit.Decision { return ratelimit.Decision{Allowed: true} }
func (a *allowAll) RecordSent(string)                 { a.mu.Lock(); a.sent++; a.mu.Unlock() }
func (a *allowAll) RecordError(_ string, text string) bool {
	a.mu.Lock()
	a.errors = append(a.errors, text)
	a.mu.Unlock()
	return ratelimit.IsAbuseSignal(text)
}

func waitDrained(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(q.Stats()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue did not drain: %+v", q.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}
