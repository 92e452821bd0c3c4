package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wadispatch/internal/channel"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/ratelimit"
	"wadispatch/internal/runtime/supervisor"
	"wadispatch/internal/storage"
	"wadispatch/pkg/logx"
	"wadispatch/pkg/validate"
)

var today = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "c.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connectedRegistry(ids ...string) *channel.Registry {
	reg := channel.NewRegistry()
	for _, id := range ids {
		reg.Register(domain.Channel{ID: id, AccountID: "acct", Driver: "gateway"})
		reg.SetStatus(id, domain.ChannelConnected)
	}
	return reg
}

type recordingReporter struct {
	mu    sync.Mutex
	calls []domain.Campaign
	fails [][]domain.Failure
	done  chan struct{}
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{done: make(chan struct{}, 16)}
}

func (r *recordingReporter) Report(_ context.Context, c domain.Campaign, f []domain.Failure) error {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.fails = append(r.fails, f)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type countingQueue struct{ n atomic.Int32 }

func (q *countingQueue) Enqueue(domain.Message) (bool, error) {
	q.n.Add(1)
	return true, nil
}

type instantClock struct{}

func (instantClock) Now() time.Time                                   { return time.Now() }
func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type allowAll struct{}

func (allowAll) CanSend(string) ratelimit.Decision { return ratelimit.Decision{Allowed: true} }
func (allowAll) RecordSent(string)                 {}
func (allowAll) RecordError(string, string) bool   { return false }

type failOn struct{ target string }

func (f failOn) Send(_ context.Context, _, target string, _ domain.Payload) (channel.SendResult, error) {
	if target == f.target {
		return channel.SendResult{}, errors.New("number not on whatsapp")
	}
	return channel.SendResult{ProviderRef: "ref-" + target}, nil
}

func recipients(phones ...string) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(phones))
	for _, p := range phones {
		out = append(out, domain.Recipient{Phone: p, Name: "N" + p})
	}
	return out
}

func TestBulkCampaignCompletesDespiteFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	sup := supervisor.New(ctx)
	t.Cleanup(sup.Cancel)

	q := dispatch.New(sup, store, allowAll{}, failOn{target: "62803"},
		dispatch.WithClock(instantClock{}), dispatch.WithHumanDelay(0, 0))
	rep := newRecordingReporter()
	o := New(store, connectedRegistry("c1"), q, WithReporter(rep))
	q.SetOnSettled(o.OnSettled)

	c, err := o.Create(ctx, Definition{
		AccountID:  "acct",
		Name:       "spring sale",
		Type:       domain.CampaignBulk,
		Template:   "Hi {name}, 20% off today",
		Recipients: recipients("62801", "62802", "62803", "62804", "62805"),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := o.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-rep.done:
	case <-time.After(10 * time.Second):
		t.Fatalf("campaign was not reported")
	}

	got, err := store.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign() error = %v", err)
	}
	if got.Status != domain.CampaignCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.TargetCount != 5 || got.SuccessCount != 4 || got.FailureCount != 1 || got.SentCount != 5 {
		t.Fatalf("counters = target %d sent %d success %d failure %d, want 5/5/4/1",
			got.TargetCount, got.SentCount, got.SuccessCount, got.FailureCount)
	}

	rep.mu.Lock()
	fails := rep.fails[0]
	rep.mu.Unlock()
	if len(fails) != 1 || fails[0].Target != "62803" || fails[0].Reason != "number not on whatsapp" {
		t.Fatalf("failures = %+v", fails)
	}

	if done, err := o.CheckCompletion(ctx, c.ID); err != nil || done {
		t.Fatalf("CheckCompletion() after completion = %v, %v, want false", done, err)
	}
	if n := rep.count(); n != 1 {
		t.Fatalf("reports = %d, want 1", n)
	}
}

func TestStartWithoutConnectedChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	q := &countingQueue{}
	reg := channel.NewRegistry()
	reg.Register(domain.Channel{ID: "c1", AccountID: "acct", Driver: "gateway"}) // still connecting
	o := New(store, reg, q)

	c, err := o.Create(ctx, Definition{AccountID: "acct", Name: "x", Type: domain.CampaignBulk, Template: "hi", Recipients: recipients("62801")})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err = o.Start(ctx, c.ID)
	if !errors.Is(err, ErrNoChannelAvailable) {
		t.Fatalf("Start() error = %v, want ErrNoChannelAvailable", err)
	}

	got, _ := store.GetCampaign(ctx, c.ID)
	if got.Status != domain.CampaignDraft || got.TargetCount != 0 {
		t.Fatalf("campaign = %s target %d, want draft 0", got.Status, got.TargetCount)
	}
	counts, _ := store.CountCampaignMessages(ctx, c.ID)
	if len(counts) != 0 {
		t.Fatalf("messages created = %v, want none", counts)
	}
	if q.n.Load() != 0 {
		t.Fatalf("enqueued = %d, want 0", q.n.Load())
	}
	logs, _ := store.ListAuditLogs(ctx, 10)
	if len(logs) == 0 || logs[0].Action != ActionStartFailed {
		t.Fatalf("audit = %+v, want start_failed entry", logs)
	}
}

func TestStartRequiresDraft(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	o := New(store, connectedRegistry("c1"), &countingQueue{})

	c, _ := o.Create(ctx, Definition{AccountID: "acct", Name: "x", Type: domain.CampaignBulk, Template: "hi", Recipients: recipients("62801")})
	if _, err := o.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := o.Start(ctx, c.ID); !errors.Is(err, ErrNotDraft) {
		t.Fatalf("second Start() error = %v, want ErrNotDraft", err)
	}
}

func TestBulkFallsBackToContacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	q := &countingQueue{}
	o := New(store, connectedRegistry("c1"), q)

	c, _ := o.Create(ctx, Definition{AccountID: "acct", Name: "x", Type: domain.CampaignBulk, Template: "hi"})
	if _, err := o.Start(ctx, c.ID); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("Start() with no contacts error = %v, want ErrNoRecipients", err)
	}

	for _, r := range recipients("62801", "62802") {
		if err := store.UpsertContact(ctx, "acct", r); err != nil {
			t.Fatal(err)
		}
	}
	got, err := o.Start(ctx, c.ID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got.TargetCount != 2 || q.n.Load() != 2 {
		t.Fatalf("target = %d enqueued = %d, want 2 and 2", got.TargetCount, q.n.Load())
	}
}

func TestBirthdayCampaign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	q := &countingQueue{}
	rep := newRecordingReporter()
	o := New(store, connectedRegistry("c1"), q, WithClock(func() time.Time { return today }), WithLocation(time.UTC), WithReporter(rep))

	empty, _ := o.Create(ctx, Definition{AccountID: "acct", Name: "bday", Type: domain.CampaignBirthday, Template: "Happy birthday {name}"})
	got, err := o.Start(ctx, empty.ID)
	if err != nil {
		t.Fatalf("Start() with no matches error = %v", err)
	}
	if got.Status != domain.CampaignCompleted || got.TargetCount != 0 {
		t.Fatalf("no-match campaign = %s target %d, want completed 0", got.Status, got.TargetCount)
	}
	if rep.count() != 0 {
		t.Fatalf("empty birthday run was reported")
	}

	_ = store.UpsertContact(ctx, "acct", domain.Recipient{Phone: "62801", Name: "Ana", Birthday: "03-02"})
	_ = store.UpsertContact(ctx, "acct", domain.Recipient{Phone: "62802", Name: "Budi", Birthday: "07-11"})

	ok, err := o.Rearm(ctx, empty.ID)
	if err != nil || !ok {
		t.Fatalf("Rearm() = %v, %v, want true", ok, err)
	}
	got, err = o.Start(ctx, empty.ID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got.Status != domain.CampaignActive || got.TargetCount != 1 || q.n.Load() != 1 {
		t.Fatalf("campaign = %s target %d enqueued %d, want active 1 1", got.Status, got.TargetCount, q.n.Load())
	}
}

type switchableSender struct {
	mu     sync.Mutex
	failTo string
}

func (s *switchableSender) setFailTo(target string) {
	s.mu.Lock()
	s.failTo = target
	s.mu.Unlock()
}

func (s *switchableSender) Send(_ context.Context, _, target string, _ domain.Payload) (channel.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target == s.failTo {
		return channel.SendResult{}, errors.New("number not on whatsapp")
	}
	return channel.SendResult{ProviderRef: "ref-" + target}, nil
}

func TestRearmedBirthdayReportsOnlyCurrentRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	sup := supervisor.New(ctx)
	t.Cleanup(sup.Cancel)

	sender := &switchableSender{failTo: "62802"}
	q := dispatch.New(sup, store, allowAll{}, sender,
		dispatch.WithClock(instantClock{}), dispatch.WithHumanDelay(0, 0))

	var mu sync.Mutex
	now := today
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	rep := newRecordingReporter()
	o := New(store, connectedRegistry("c1"), q, WithClock(clock), WithLocation(time.UTC), WithReporter(rep))
	q.SetOnSettled(o.OnSettled)

	_ = store.UpsertContact(ctx, "acct", domain.Recipient{Phone: "62801", Name: "Ana", Birthday: "03-02"})
	_ = store.UpsertContact(ctx, "acct", domain.Recipient{Phone: "62802", Name: "Budi", Birthday: "03-02"})

	c, err := o.Create(ctx, Definition{AccountID: "acct", Name: "bday", Type: domain.CampaignBirthday, Template: "Happy birthday {name}"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	run := func() {
		t.Helper()
		if _, err := o.Start(ctx, c.ID); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		select {
		case <-rep.done:
		case <-time.After(10 * time.Second):
			t.Fatalf("campaign was not reported")
		}
	}

	run()
	sender.setFailTo("")
	mu.Lock()
	now = today.AddDate(1, 0, 0)
	mu.Unlock()
	if ok, err := o.Rearm(ctx, c.ID); err != nil || !ok {
		t.Fatalf("Rearm() = %v, %v, want true", ok, err)
	}
	run()

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.calls) != 2 {
		t.Fatalf("reports = %d, want 2", len(rep.calls))
	}
	if len(rep.fails[0]) != 1 || rep.fails[0][0].Target != "62802" {
		t.Fatalf("first run failures = %+v, want 62802", rep.fails[0])
	}
	second := rep.calls[1]
	if second.TargetCount != 2 || second.SuccessCount != 2 || second.FailureCount != 0 {
		t.Fatalf("second run = target %d success %d failure %d, want 2/2/0",
			second.TargetCount, second.SuccessCount, second.FailureCount)
	}
	if len(rep.fails[1]) != 0 {
		t.Fatalf("second run failures = %+v, want none", rep.fails[1])
	}
}

func TestPreferredChannelWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	var picked []string
	var mu sync.Mutex
	q := enqueueFunc(func(m domain.Message) {
		mu.Lock()
		picked = append(picked, m.ChannelID)
		mu.Unlock()
	})
	o := New(store, connectedRegistry("c1", "c2"), q)

	c, _ := o.Create(ctx, Definition{AccountID: "acct", Name: "x", Type: domain.CampaignBulk, ChannelID: "c2", Template: "hi", Recipients: recipients("62801")})
	if _, err := o.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(picked) != 1 || picked[0] != "c2" {
		t.Fatalf("channels = %v, want [c2]", picked)
	}
}

type enqueueFunc func(m domain.Message)

func (f enqueueFunc) Enqueue(m domain.Message) (bool, error) {
	f(m)
	return true, nil
}

func TestScheduledCampaignWaitsForDueScan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	q := &countingQueue{}
	o := New(store, connectedRegistry("c1"), q, WithClock(func() time.Time { return today }))

	at := today.Add(2 * time.Hour)
	c, err := o.Create(ctx, Definition{AccountID: "acct", Name: "reminder", Type: domain.CampaignScheduled,
		Template: "See you {name}", Recipients: recipients("62801"), ScheduledAt: &at})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := o.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if q.n.Load() != 0 {
		t.Fatalf("enqueued = %d, want 0 before the scheduled time", q.n.Load())
	}
	due, _ := store.GetDueScheduledMessages(ctx, at, 10)
	if len(due) != 1 {
		t.Fatalf("due at fire time = %d, want 1", len(due))
	}
	if body := due[0].Payload.(domain.Text).Body; body != "See you N62801" {
		t.Fatalf("body = %q", body)
	}
}

func TestConcurrentCompletionReportsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	rep := newRecordingReporter()
	o := New(store, connectedRegistry("c1"), &countingQueue{}, WithReporter(rep))

	c, _ := o.Create(ctx, Definition{AccountID: "acct", Name: "x", Type: domain.CampaignBulk, Template: "hi", Recipients: recipients("62801", "62802")})
	if _, err := o.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if done, _ := o.CheckCompletion(ctx, c.ID); done {
		t.Fatalf("CheckCompletion() with pending messages = true")
	}

	msgs, _ := store.ListMessagesByStatus(ctx, "c1", domain.MessagePending)
	now := time.Now()
	for _, m := range msgs {
		_, _ = store.TransitionMessage(ctx, m.ID, []domain.MessageStatus{domain.MessagePending},
			storage.MessageUpdate{Status: domain.MessageSent, SentAt: &now})
		_ = store.IncrementCampaignCounters(ctx, c.ID, storage.CounterDelta{Sent: 1, Success: 1})
	}

	var wg sync.WaitGroup
	var completed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if done, err := o.CheckCompletion(ctx, c.ID); err == nil && done {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	if completed.Load() != 1 || rep.count() != 1 {
		t.Fatalf("completions = %d reports = %d, want 1 and 1", completed.Load(), rep.count())
	}
}

func TestCancelledMessagesCountTowardCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	o := New(store, connectedRegistry("c1"), &countingQueue{})

	c, _ := o.Create(ctx, Definition{AccountID: "acct", Name: "x", Type: domain.CampaignBulk, Template: "hi", Recipients: recipients("62801", "62802")})
	_, _ = o.Start(ctx, c.ID)
	msgs, _ := store.ListMessagesByStatus(ctx, "c1", domain.MessagePending)
	now := time.Now()
	_, _ = store.TransitionMessage(ctx, msgs[0].ID, []domain.MessageStatus{domain.MessagePending},
		storage.MessageUpdate{Status: domain.MessageSent, SentAt: &now})
	_ = store.IncrementCampaignCounters(ctx, c.ID, storage.CounterDelta{Sent: 1, Success: 1})
	_, _ = store.TransitionMessage(ctx, msgs[1].ID, []domain.MessageStatus{domain.MessagePending},
		storage.MessageUpdate{Status: domain.MessageCancelled})

	done, err := o.CheckCompletion(ctx, c.ID)
	if err != nil || !done {
		t.Fatalf("CheckCompletion() = %v, %v, want true", done, err)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	o := New(store, connectedRegistry("c1"), &countingQueue{})

	c, _ := o.Create(ctx, Definition{AccountID: "acct", Name: "x", Type: domain.CampaignBulk, Template: "hi", Recipients: recipients("62801")})
	if err := o.Pause(ctx, c.ID); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("Pause(draft) error = %v, want ErrBadTransition", err)
	}
	_, _ = o.Start(ctx, c.ID)
	if err := o.Pause(ctx, c.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if done, _ := o.CheckCompletion(ctx, c.ID); done {
		t.Fatalf("paused campaign completed")
	}
	if err := o.Resume(ctx, c.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	got, _ := store.GetCampaign(ctx, c.ID)
	if got.Status != domain.CampaignActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()
	o := New(openStore(t), channel.NewRegistry(), &countingQueue{})
	tests := []struct {
		name  string
		def   Definition
		field string
	}{
		{"missing name", Definition{AccountID: "a", Type: domain.CampaignBulk, Template: "x"}, "name"},
		{"bad type", Definition{AccountID: "a", Name: "n", Type: "blast", Template: "x"}, "type"},
		{"no template", Definition{AccountID: "a", Name: "n", Type: domain.CampaignBulk}, "template"},
		{"scheduled without time", Definition{AccountID: "a", Name: "n", Type: domain.CampaignScheduled, Template: "x", Recipients: recipients("62801")}, "scheduled_at"},
		{"scheduled two recipients", Definition{AccountID: "a", Name: "n", Type: domain.CampaignScheduled, Template: "x", Recipients: recipients("62801", "62802"), ScheduledAt: &today}, "recipients"},
		{"bad recipient", Definition{AccountID: "a", Name: "n", Type: domain.CampaignBulk, Template: "x", Recipients: []domain.Recipient{{Phone: "1"}}}, "recipients[0].phone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Create(context.Background(), tt.def)
			var verr *validate.Error
			if !errors.As(err, &verr) {
				t.Fatalf("Create() error = %v, want *validate.Error", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Fatalf("fields = %v, want %q", verr.Fields, tt.field)
			}
		})
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tmpl string
		r    domain.Recipient
		want string
	}{
		{"Hi {name}!", domain.Recipient{Name: " Ana ", Phone: "1"}, "Hi Ana!"},
		{"{phone}: {name}", domain.Recipient{Phone: "628"}, "628: "},
		{"no vars", domain.Recipient{Name: "x"}, "no vars"},
	}
	for _, tt := range tests {
		if got := Render(tt.tmpl, tt.r); got != tt.want {
			t.Fatalf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}
