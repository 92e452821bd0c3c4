package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/ratelimit"
	"wadispatch/internal/receipts"
	"wadispatch/internal/runtime/supervisor"
)

type harness struct {
	clock  *fakeClock
	store  *fakeStore
	sender *fakeSender
	sup    *supervisor.Supervisor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := newFakeClock()
	sup := supervisor.New(context.Background())
	t.Cleanup(sup.Cancel)
	return &harness{clock: c, store: newFakeStore(), sender: newFakeSender(c), sup: sup}
}

func (h *harness) queue(l Limiter, opts ...Option) *Queue {
	opts = append([]Option{WithClock(h.clock), WithHumanDelay(0, 0)}, opts...)
	return New(h.sup, h.store, l, h.sender, opts...)
}

func (h *harness) enqueue(t *testing.T, q *Queue, m domain.Message) {
	t.Helper()
	if _, err := q.Enqueue(h.store.add(m)); err != nil {
		t.Fatalf("Enqueue(%s) error = %v", m.ID, err)
	}
}

func TestFIFOPerChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := h.queue(&allowAll{})

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("m%d", i)
		h.enqueue(t, q, domain.Message{ID: id, ChannelID: "c1", Target: id})
	}
	waitDrained(t, q)

	got := strings.Join(h.sender.targets("c1"), ",")
	if got != "m1,m2,m3,m4,m5" {
		t.Fatalf("send order = %s, want m1..m5", got)
	}
	for i := 1; i <= 5; i++ {
		if st := h.store.status(fmt.Sprintf("m%d", i)); st != domain.MessageSent {
			t.Fatalf("m%d status = %s, want sent", i, st)
		}
	}
}

func TestAdapterPanicFailsMessageAndLaneContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sender.panicOn["m1"] = true
	lim := &allowAll{}
	q := h.queue(lim)

	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", CampaignID: "camp", Target: "m1"})
	h.enqueue(t, q, domain.Message{ID: "m2", ChannelID: "c1", Target: "m2"})
	waitDrained(t, q)

	if st := h.store.status("m1"); st != domain.MessageFailed {
		t.Fatalf("m1 status = %s, want failed", st)
	}
	if reason := h.store.message("m1").FailureReason; !strings.Contains(reason, "driver bug") {
		t.Fatalf("m1 reason = %q, want the panic value", reason)
	}
	if st := h.store.status("m2"); st != domain.MessageSent {
		t.Fatalf("m2 status = %s, want sent", st)
	}
	if got := h.store.counter("camp"); got.Sent != 1 || got.Failure != 1 {
		t.Fatalf("campaign counters = %+v, want 1 sent 1 failure", got)
	}
	lim.mu.Lock()
	defer lim.mu.Unlock()
	if len(lim.errors) != 1 {
		t.Fatalf("recorded errors = %v, want 1", lim.errors)
	}
	if h.sup.Err() != nil {
		t.Fatalf("supervisor error = %v, want nil", h.sup.Err())
	}
}

func TestOneSendInFlightPerChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sender.pause = time.Millisecond
	q := h.queue(&allowAll{})

	var wg sync.WaitGroup
	for _, ch := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("%s-%d", ch, i)
				_, _ = q.Enqueue(h.store.add(domain.Message{ID: id, ChannelID: ch, Target: id}))
			}
		}(ch)
	}
	wg.Wait()
	waitDrained(t, q)

	if h.sender.overlap {
		t.Fatalf("two sends overlapped on one channel")
	}
	for _, ch := range []string{"a", "b", "c"} {
		if n := len(h.sender.targets(ch)); n != 10 {
			t.Fatalf("channel %s sends = %d, want 10", ch, n)
		}
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.sender.hold["m1"] = release
	h.sender.started = make(chan string, 4)
	q := h.queue(&allowAll{})

	m2 := h.store.add(domain.Message{ID: "m2", ChannelID: "c1", Target: "m2"})
	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "m1"})
	<-h.sender.started

	first, _ := q.Enqueue(m2)
	again, _ := q.Enqueue(m2)
	if !first || again {
		t.Fatalf("Enqueue = %v then %v, want true then false", first, again)
	}
	close(release)
	<-h.sender.started
	waitDrained(t, q)

	if n := len(h.sender.targets("c1")); n != 2 {
		t.Fatalf("sends = %d, want 2", n)
	}
}

func TestCancelledMessageIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.sender.hold["m1"] = release
	h.sender.started = make(chan string, 4)

	var settled []string
	var mu sync.Mutex
	q := h.queue(&allowAll{}, WithOnSettled(func(_ context.Context, m domain.Message) {
		mu.Lock()
		settled = append(settled, m.ID)
		mu.Unlock()
	}))

	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "m1", CampaignID: "camp"})
	h.enqueue(t, q, domain.Message{ID: "m2", ChannelID: "c1", Target: "m2", CampaignID: "camp"})
	h.enqueue(t, q, domain.Message{ID: "m3", ChannelID: "c1", Target: "m3", CampaignID: "camp"})
	<-h.sender.started

	ok, err := q.Cancel(context.Background(), "m2")
	if err != nil || !ok {
		t.Fatalf("Cancel(m2) = %v, %v, want true", ok, err)
	}
	if ok, _ := q.Cancel(context.Background(), "m1"); ok {
		t.Fatalf("Cancel(m1) = true for an in-flight message, want false")
	}
	close(release)
	<-h.sender.started
	waitDrained(t, q)

	if got := strings.Join(h.sender.targets("c1"), ","); got != "m1,m3" {
		t.Fatalf("sends = %s, want m1,m3", got)
	}
	if st := h.store.status("m2"); st != domain.MessageCancelled {
		t.Fatalf("m2 status = %s, want cancelled", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(settled, ",") != "m2,m1,m3" {
		t.Fatalf("settled = %v, want [m2 m1 m3]", settled)
	}
}

func TestCancelChannelSettlesBacklog(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.sender.hold["m1"] = release
	h.sender.started = make(chan string, 4)

	var settled []string
	var mu sync.Mutex
	q := h.queue(&allowAll{}, WithOnSettled(func(_ context.Context, m domain.Message) {
		mu.Lock()
		settled = append(settled, m.ID)
		mu.Unlock()
	}))

	later := h.clock.Now().Add(time.Hour)
	h.store.add(domain.Message{ID: "m4", ChannelID: "c1", Target: "m4", CampaignID: "camp", ScheduledFor: &later})
	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "m1", CampaignID: "camp"})
	h.enqueue(t, q, domain.Message{ID: "m2", ChannelID: "c1", Target: "m2", CampaignID: "camp"})
	h.enqueue(t, q, domain.Message{ID: "m3", ChannelID: "c1", Target: "m3"})
	h.store.add(domain.Message{ID: "o1", ChannelID: "c2", Target: "o1"})
	<-h.sender.started

	n, err := q.CancelChannel(context.Background(), "c1")
	if err != nil || n != 3 {
		t.Fatalf("CancelChannel() = %d, %v, want 3", n, err)
	}
	close(release)
	waitDrained(t, q)

	if got := strings.Join(h.sender.targets(""), ","); got != "m1" {
		t.Fatalf("sends = %s, want only the in-flight m1", got)
	}
	want := map[string]domain.MessageStatus{
		"m1": domain.MessageSent,
		"m2": domain.MessageCancelled,
		"m3": domain.MessageCancelled,
		"m4": domain.MessageCancelled,
		"o1": domain.MessagePending,
	}
	for id, st := range want {
		if got := h.store.status(id); got != st {
			t.Fatalf("%s status = %s, want %s", id, got, st)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(settled) != 3 {
		t.Fatalf("settled = %v, want the three campaign messages", settled)
	}
}

func TestMinuteCapDelaysThirdSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lim := ratelimit.New(ratelimit.Config{
		PerMinute:  2,
		BurstLimit: 100,
		MinDelay:   time.Microsecond,
		MaxDelay:   time.Microsecond,
	}, ratelimit.WithClock(h.clock.Now), ratelimit.WithRand(func() float64 { return 0.5 }))
	q := h.queue(lim)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("m%d", i)
		h.enqueue(t, q, domain.Message{ID: id, ChannelID: "c1", Target: id})
	}
	waitDrained(t, q)

	h.sender.mu.Lock()
	calls := append([]sendCall(nil), h.sender.calls...)
	h.sender.mu.Unlock()
	if len(calls) != 3 {
		t.Fatalf("sends = %d, want 3", len(calls))
	}
	if gap := calls[1].at.Sub(calls[0].at); gap >= time.Minute {
		t.Fatalf("second send gap = %v, want inside the first minute", gap)
	}
	if gap := calls[2].at.Sub(calls[0].at); gap < time.Minute {
		t.Fatalf("third send gap = %v, want >= 1m", gap)
	}
}

func TestStoreErrorFailsClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.claimErrs = 2
	h.store.loadErrs = 1
	q := h.queue(&allowAll{}, WithStoreRetry(7*time.Second))

	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "m1"})
	waitDrained(t, q)

	if n := len(h.sender.targets("c1")); n != 1 {
		t.Fatalf("sends = %d, want exactly 1", n)
	}
	if !h.clock.slept(7 * time.Second) {
		t.Fatalf("consumer did not back off for store_retry")
	}
	if st := h.store.status("m1"); st != domain.MessageSent {
		t.Fatalf("status = %s, want sent", st)
	}
}

func TestOutcomesUpdateCountersAndEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sender.fail["bad"] = "recipient blocked by provider"
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	lim := &allowAll{}
	q := h.queue(lim, WithBus(bus))

	h.enqueue(t, q, domain.Message{ID: "ok", ChannelID: "c1", Target: "good", CampaignID: "camp"})
	h.enqueue(t, q, domain.Message{ID: "ko", ChannelID: "c1", Target: "bad", CampaignID: "camp"})
	waitDrained(t, q)

	c := h.store.counter("camp")
	if c.Sent != 2 || c.Success != 1 || c.Failure != 1 {
		t.Fatalf("counters = %+v, want sent 2 success 1 failure 1", c)
	}
	ko := h.store.message("ko")
	if ko.Status != domain.MessageFailed || ko.FailureReason != "recipient blocked by provider" {
		t.Fatalf("failed message = %s %q", ko.Status, ko.FailureReason)
	}
	if ok := h.store.message("ok"); ok.ProviderRef != "ref-good" || ok.SentAt == nil {
		t.Fatalf("sent message = %+v", ok)
	}
	if lim.sent != 1 || len(lim.errors) != 1 {
		t.Fatalf("limiter sent=%d errors=%d, want 1 and 1", lim.sent, len(lim.errors))
	}

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v, want 2", types)
		}
	}
	if types[0] != eventbus.MessageSent || types[1] != eventbus.MessageFailed {
		t.Fatalf("events = %v", types)
	}
}

func TestNotDueMessageIsLeftPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := h.queue(&allowAll{})

	future := h.clock.Now().Add(time.Hour)
	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "m1", ScheduledFor: &future})
	waitDrained(t, q)

	if n := len(h.sender.targets("")); n != 0 {
		t.Fatalf("sends = %d, want 0", n)
	}
	if st := h.store.status("m1"); st != domain.MessagePending {
		t.Fatalf("status = %s, want pending", st)
	}
}

func TestHumanDelayBetweenSends(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := h.queue(&allowAll{}, WithRand(func() float64 { return 0.5 }))
	q.SetHumanDelay("c1", 2*time.Second, 6*time.Second)

	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "m1"})
	h.enqueue(t, q, domain.Message{ID: "m2", ChannelID: "c1", Target: "m2"})
	waitDrained(t, q)

	if !h.clock.slept(4 * time.Second) {
		t.Fatalf("no 4s human delay recorded: %v", h.clock.sleeps)
	}
}

func TestReadyCheckParksAndRequeueResumes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var mu sync.Mutex
	connected := false
	q := h.queue(&allowAll{}, WithReadyCheck(func(string) bool {
		mu.Lock()
		defer mu.Unlock()
		return connected
	}))

	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "m1"})
	waitDrained(t, q)
	if n := len(h.sender.targets("")); n != 0 {
		t.Fatalf("sends while disconnected = %d, want 0", n)
	}

	mu.Lock()
	connected = true
	mu.Unlock()
	n, err := q.Requeue(context.Background(), "c1")
	if err != nil || n != 1 {
		t.Fatalf("Requeue() = %d, %v, want 1", n, err)
	}
	waitDrained(t, q)
	if st := h.store.status("m1"); st != domain.MessageSent {
		t.Fatalf("status = %s, want sent", st)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := h.queue(&allowAll{})

	future := h.clock.Now().Add(time.Hour)
	h.store.add(domain.Message{ID: "crashed", ChannelID: "c1", Target: "x", CampaignID: "camp", Status: domain.MessageProcessing})
	h.store.add(domain.Message{ID: "queued", ChannelID: "c1", Target: "q", Status: domain.MessageQueued})
	h.store.add(domain.Message{ID: "now", ChannelID: "c1", Target: "n"})
	h.store.add(domain.Message{ID: "later", ChannelID: "c1", Target: "l", ScheduledFor: &future})

	st, err := q.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if st.Interrupted != 1 || st.Requeued != 2 {
		t.Fatalf("Recover() = %+v, want 1 interrupted 2 requeued", st)
	}
	waitDrained(t, q)

	crashed := h.store.message("crashed")
	if crashed.Status != domain.MessageFailed || crashed.FailureReason != InterruptedReason {
		t.Fatalf("crashed = %s %q", crashed.Status, crashed.FailureReason)
	}
	if c := h.store.counter("camp"); c.Sent != 1 || c.Failure != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if got := strings.Join(h.sender.targets("c1"), ","); got != "q,n" {
		t.Fatalf("sends = %s, want q,n", got)
	}
	if st := h.store.status("later"); st != domain.MessagePending {
		t.Fatalf("scheduled message status = %s, want pending", st)
	}
}

func TestMarkDeliveredByProviderRef(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cache := receipts.NewMemory(time.Hour)
	q := h.queue(&allowAll{}, WithReceipts(cache))

	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "t1"})
	waitDrained(t, q)

	ok, err := q.MarkDelivered(context.Background(), "ref-t1", time.Time{})
	if err != nil || !ok {
		t.Fatalf("MarkDelivered() = %v, %v, want true", ok, err)
	}
	if st := h.store.status("m1"); st != domain.MessageDelivered {
		t.Fatalf("status = %s, want delivered", st)
	}
	if ok, _ := q.MarkDelivered(context.Background(), "m1", time.Time{}); ok {
		t.Fatalf("second MarkDelivered() = true, want false")
	}
}

func TestDropDiscardsBacklog(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	release := make(chan struct{})
	h.sender.hold["m1"] = release
	h.sender.started = make(chan string, 4)
	q := h.queue(&allowAll{})

	h.enqueue(t, q, domain.Message{ID: "m1", ChannelID: "c1", Target: "m1"})
	h.enqueue(t, q, domain.Message{ID: "m2", ChannelID: "c1", Target: "m2"})
	<-h.sender.started

	if n := q.Drop("c1"); n != 1 {
		t.Fatalf("Drop() = %d, want 1", n)
	}
	close(release)
	waitDrained(t, q)

	if got := strings.Join(h.sender.targets("c1"), ","); got != "m1" {
		t.Fatalf("sends = %s, want m1", got)
	}
	if st := h.store.status("m2"); st != domain.MessagePending {
		t.Fatalf("dropped message status = %s, want pending", st)
	}
}

func TestEnqueueRequiresChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := h.queue(&allowAll{})
	if _, err := q.Enqueue(domain.Message{ID: "m"}); err == nil {
		t.Fatalf("Enqueue() error = nil, want ErrEmptyChannel")
	}
}
