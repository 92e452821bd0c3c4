// Package campaign turns campaign definitions into messages and tracks them
// to completion.
//
// Start, Pause, Resume and CheckCompletion serialize per campaign. Message
// creation and the draft -> active transition share one store transaction,
// so completion checks never observe a partial target count.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/storage"
	"wadispatch/pkg/logx"
	"wadispatch/pkg/validate"
)

var (
	ErrNoChannelAvailable = errors.New("campaign: no connected channel for account")
	ErrNotDraft           = errors.New("campaign: not in draft")
	ErrNoRecipients       = errors.New("campaign: no recipients")
	ErrBadTransition      = errors.New("campaign: status does not allow this transition")
)

type Store interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListContacts(ctx context.Context, accountID string) ([]domain.Recipient, error)
	GetTodayBirthdayRecipients(ctx context.Context, accountID, monthDay string) ([]domain.Recipient, error)
	ActivateCampaign(ctx context.Context, id string, msgs []*domain.Message, startedAt time.Time) error
	UpdateCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) (bool, error)
	CountCampaignMessages(ctx context.Context, id string) (domain.MessageCounts, error)
	ListFailedMessages(ctx context.Context, id string, limit int) ([]domain.Failure, error)
	CreateAuditLog(ctx context.Context, e domain.AuditEntry) error
}

// Channels answers which channels can carry an account's traffic.
type Channels interface {
	Connected(accountID string) []domain.Channel
}

type Enqueuer interface {
	Enqueue(m domain.Message) (bool, error)
}

type Reporter interface {
	Report(ctx context.Context, c domain.Campaign, failures []domain.Failure) error
}

// Audit actions.
const (
	ActionStart       = "campaign.start"
	ActionStartFailed = "campaign.start_failed"
	ActionPause       = "campaign.pause"
	ActionResume      = "campaign.resume"
	ActionComplete    = "campaign.complete"
	ActionRearm       = "campaign.rearm"
)

const reportFailures = 10

type Orchestrator struct {
	store    Store
	channels Channels
	queue    Enqueuer
	reporter Reporter
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	loc      *time.Location

	locks keyedMutex
}

type Option func(*Orchestrator)

func WithBus(b eventbus.Bus) Option         { return func(o *Orchestrator) { o.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(o *Orchestrator) { o.log = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithReporter(r Reporter) Option        { return func(o *Orchestrator) { o.reporter = r } }

// WithLocation sets the zone used to decide "today" for birthdays.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.loc = loc
		}
	}
}

func New(store Store, channels Channels, queue Enqueuer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		channels: channels,
		queue:    queue,
		log:      logx.Nop(),
		now:      time.Now,
		loc:      time.Local,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Definition is the caller-supplied shape of a new campaign.
type Definition struct {
	AccountID   string              `json:"account_id" validate:"required,max=64"`
	Name        string              `json:"name" validate:"required,max=128"`
	Type        domain.CampaignType `json:"type" validate:"required,oneof=bulk birthday scheduled"`
	ChannelID   string              `json:"channel_id" validate:"max=64"`
	Template    string              `json:"template" validate:"required_without=Media,max=4096"`
	Media       *domain.Media       `json:"media"`
	MediaKind   domain.PayloadKind  `json:"media_kind" validate:"required_with=Media,omitempty,oneof=image document video audio"`
	Recipients  []domain.Recipient  `json:"recipients" validate:"omitempty,dive"`
	ScheduledAt *time.Time          `json:"scheduled_at" validate:"required_if=Type scheduled"`
}

// Create validates def and stores it as a draft.
func (o *Orchestrator) Create(ctx context.Context, def Definition) (domain.Campaign, error) {
	if err := validate.Struct(def); err != nil {
		return domain.Campaign{}, err
	}
	if def.Type == domain.CampaignScheduled && len(def.Recipients) != 1 {
		return domain.Campaign{}, &validate.Error{Fields: map[string]string{
			"recipients": "scheduled campaigns must have exactly one recipient",
		}}
	}
	if def.Media != nil && strings.TrimSpace(def.Media.URL) == "" {
		return domain.Campaign{}, &validate.Error{Fields: map[string]string{"media.URL": "media url is required"}}
	}

	c := domain.Campaign{
		AccountID:   def.AccountID,
		Name:        def.Name,
		Type:        def.Type,
		Status:      domain.CampaignDraft,
		ChannelID:   def.ChannelID,
		Template:    def.Template,
		Media:       def.Media,
		MediaKind:   def.MediaKind,
		Recipients:  def.Recipients,
		ScheduledAt: def.ScheduledAt,
	}
	if err := o.store.CreateCampaign(ctx, &c); err != nil {
		return domain.Campaign{}, err
	}
	o.log.Info("campaign created", logx.String("campaign", c.ID), logx.String("type", string(c.Type)))
	return c, nil
}

// Start materializes a draft campaign's messages, activates it and enqueues
// everything already due. Failures before activation leave it in draft.
func (o *Orchestrator) Start(ctx context.Context, id string) (domain.Campaign, error) {
	unlock := o.locks.lock(id)
	defer unlock()

	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if c.Status != domain.CampaignDraft {
		return c, fmt.Errorf("start %s (%s): %w", id, c.Status, ErrNotDraft)
	}
	log := o.log.With(logx.String("campaign", id), logx.String("type", string(c.Type)))

	recipients, err := o.recipients(ctx, c)
	if err != nil {
		o.startFailed(ctx, c, err)
		return c, err
	}
	now := o.now()

	if len(recipients) == 0 && c.Type == domain.CampaignBirthday {
		// Nothing to send today; finish without picking a channel.
		if err := o.store.ActivateCampaign(ctx, id, nil, now); err != nil {
			return c, o.activationErr(id, err)
		}
		if _, err := o.complete(ctx, log, id, false); err != nil {
			return c, err
		}
		log.Info("birthday campaign has no matches today")
		return o.store.GetCampaign(ctx, id)
	}

	ch, err := o.pickChannel(c)
	if err != nil {
		o.startFailed(ctx, c, err)
		return c, err
	}

	msgs, err := o.buildMessages(c, ch.ID, recipients, now)
	if err != nil {
		o.startFailed(ctx, c, err)
		return c, err
	}
	if err := o.store.ActivateCampaign(ctx, id, msgs, now); err != nil {
		err = o.activationErr(id, err)
		o.startFailed(ctx, c, err)
		return c, err
	}

	enqueued := 0
	for _, m := range msgs {
		if !m.Due(now) {
			continue
		}
		if ok, err := o.queue.Enqueue(*m); err != nil {
			log.Warn("failed to enqueue campaign message", logx.String("message", m.ID), logx.Err(err))
		} else if ok {
			enqueued++
		}
	}

	log.Info("campaign started",
		logx.String("channel", ch.ID),
		logx.Int("target", len(msgs)),
		logx.Int("enqueued", enqueued),
	)
	o.audit(ctx, c.AccountID, ActionStart, id, fmt.Sprintf("channel=%s target=%d", ch.ID, len(msgs)))
	o.emit(id, domain.CampaignActive, len(msgs))
	return o.store.GetCampaign(ctx, id)
}

func (o *Orchestrator) activationErr(id string, err error) error {
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("start %s: %w", id, ErrNotDraft)
	}
	return err
}

func (o *Orchestrator) startFailed(ctx context.Context, c domain.Campaign, err error) {
	o.log.Warn("campaign start failed", logx.String("campaign", c.ID), logx.Err(err))
	o.audit(ctx, c.AccountID, ActionStartFailed, c.ID, err.Error())
}

func (o *Orchestrator) recipients(ctx context.Context, c domain.Campaign) ([]domain.Recipient, error) {
	switch c.Type {
	case domain.CampaignBulk:
		rs := c.Recipients
		if len(rs) == 0 {
			var err error
			if rs, err = o.store.ListContacts(ctx, c.AccountID); err != nil {
				return nil, err
			}
		}
		if len(rs) == 0 {
			return nil, fmt.Errorf("start %s: %w", c.ID, ErrNoRecipients)
		}
		return dedupe(rs), nil
	case domain.CampaignBirthday:
		today := o.now().In(o.loc).Format("01-02")
		rs, err := o.store.GetTodayBirthdayRecipients(ctx, c.AccountID, today)
		if err != nil {
			return nil, err
		}
		return dedupe(rs), nil
	case domain.CampaignScheduled:
		if len(c.Recipients) != 1 || c.ScheduledAt == nil {
			return nil, fmt.Errorf("start %s: scheduled campaign needs one recipient and a time: %w", c.ID, ErrNoRecipients)
		}
		return c.Recipients, nil
	}
	return nil, fmt.Errorf("start %s: unknown campaign type %q", c.ID, c.Type)
}

// dedupe drops repeated phone numbers, keeping the first entry.
func dedupe(rs []domain.Recipient) []domain.Recipient {
	seen := make(map[string]struct{}, len(rs))
	out := make([]domain.Recipient, 0, len(rs))
	for _, r := range rs {
		p := strings.TrimSpace(r.Phone)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		r.Phone = p
		out = append(out, r)
	}
	return out
}

// pickChannel prefers the campaign's own channel when it is connected.
func (o *Orchestrator) pickChannel(c domain.Campaign) (domain.Channel, error) {
	connected := o.channels.Connected(c.AccountID)
	if len(connected) == 0 {
		return domain.Channel{}, fmt.Errorf("start %s: %w", c.ID, ErrNoChannelAvailable)
	}
	for _, ch := range connected {
		if ch.ID == c.ChannelID {
			return ch, nil
		}
	}
	return connected[0], nil
}

func (o *Orchestrator) buildMessages(c domain.Campaign, channelID string, rs []domain.Recipient, now time.Time) ([]*domain.Message, error) {
	var at *time.Time
	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		t := *c.ScheduledAt
		at = &t
	}
	msgs := make([]*domain.Message, 0, len(rs))
	for _, r := range rs {
		p, err := o.payload(c, r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &domain.Message{
			ID:            uuid.NewString(),
			ChannelID:     channelID,
			CampaignID:    c.ID,
			Target:        r.Phone,
			RecipientName: r.Name,
			Payload:       p,
			Status:        domain.MessagePending,
			ScheduledFor:  at,
			CreatedAt:     now,
		})
	}
	return msgs, nil
}

func (o *Orchestrator) payload(c domain.Campaign, r domain.Recipient) (domain.Payload, error) {
	body := Render(c.Template, r)
	if c.Media == nil {
		return domain.Text{Body: body}, nil
	}
	m := *c.Media
	m.Caption = body
	return domain.BuildMedia(c.MediaKind, m)
}

// Render substitutes {name} and {phone}. A missing name renders empty.
func Render(tmpl string, r domain.Recipient) string {
	return strings.NewReplacer("{name}", strings.TrimSpace(r.Name), "{phone}", r.Phone).Replace(tmpl)
}

func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	return o.move(ctx, id, domain.CampaignActive, domain.CampaignPaused, ActionPause)
}

func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	return o.move(ctx, id, domain.CampaignPaused, domain.CampaignActive, ActionResume)
}

func (o *Orchestrator) move(ctx context.Context, id string, from, to domain.CampaignStatus, action string) error {
	unlock := o.locks.lock(id)
	defer unlock()

	ok, err := o.store.UpdateCampaignStatus(ctx, id, []domain.CampaignStatus{from}, to, o.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", action, id, ErrBadTransition)
	}
	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	o.log.Info("campaign status changed", logx.String("campaign", id), logx.String("status", string(to)))
	o.audit(ctx, c.AccountID, action, id, "")
	o.emit(id, to, c.TargetCount)
	return nil
}

// Rearm returns a completed campaign to draft so a recurring campaign can
// start again. It reports false when the campaign was not completed.
func (o *Orchestrator) Rearm(ctx context.Context, id string) (bool, error) {
	unlock := o.locks.lock(id)
	defer unlock()
	ok, err := o.store.UpdateCampaignStatus(ctx, id, []domain.CampaignStatus{domain.CampaignCompleted}, domain.CampaignDraft, o.now())
	if err != nil || !ok {
		return false, err
	}
	o.audit(ctx, "", ActionRearm, id, "")
	return true, nil
}

// CheckCompletion completes an active campaign whose messages have all
// settled. Only the call that performs the transition reports, so redundant
// or concurrent calls are harmless.
func (o *Orchestrator) CheckCompletion(ctx context.Context, id string) (bool, error) {
	unlock := o.locks.lock(id)
	defer unlock()
	return o.complete(ctx, o.log.With(logx.String("campaign", id)), id, true)
}

// complete must run under the campaign lock.
func (o *Orchestrator) complete(ctx context.Context, log logx.Logger, id string, checkCounts bool) (bool, error) {
	c, err := o.store.GetCampaign(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != domain.CampaignActive {
		return false, nil
	}
	if checkCounts {
		counts, err := o.store.CountCampaignMessages(ctx, id)
		if err != nil {
			return false, err
		}
		if counts.InFlight() > 0 || c.SentCount+counts[domain.MessageCancelled] < c.TargetCount {
			return false, nil
		}
	}

	now := o.now()
	ok, err := o.store.UpdateCampaignStatus(ctx, id, []domain.CampaignStatus{domain.CampaignActive}, domain.CampaignCompleted, now)
	if err != nil || !ok {
		return false, err
	}
	c.Status = domain.CampaignCompleted
	c.CompletedAt = &now

	log.Info("campaign completed",
		logx.Int("target", c.TargetCount),
		logx.Int("success", c.SuccessCount),
		logx.Int("failure", c.FailureCount),
	)
	o.audit(ctx, c.AccountID, ActionComplete, id,
		fmt.Sprintf("target=%d success=%d failure=%d", c.TargetCount, c.SuccessCount, c.FailureCount))
	o.emit(id, domain.CampaignCompleted, c.TargetCount)

	if o.reporter != nil && c.TargetCount > 0 {
		failures, err := o.store.ListFailedMessages(ctx, id, reportFailures)
		if err != nil {
			log.Warn("failed to load failures for report", logx.Err(err))
		}
		if err := o.reporter.Report(ctx, c, failures); err != nil {
			log.Warn("campaign report failed", logx.Err(err))
		}
	}
	return true, nil
}

// OnSettled is the dispatch queue's settle hook.
func (o *Orchestrator) OnSettled(ctx context.Context, m domain.Message) {
	if m.CampaignID == "" {
		return
	}
	if _, err := o.CheckCompletion(ctx, m.CampaignID); err != nil {
		o.log.Warn("completion check failed", logx.String("campaign", m.CampaignID), logx.Err(err))
	}
}

func (o *Orchestrator) audit(ctx context.Context, account, action, subject, detail string) {
	err := o.store.CreateAuditLog(ctx, domain.AuditEntry{
		AccountID: account,
		Action:    action,
		Subject:   subject,
		Detail:    detail,
		CreatedAt: o.now(),
	})
	if err != nil {
		o.log.Warn("failed to write audit log", logx.String("action", action), logx.Err(err))
	}
}

func (o *Orchestrator) emit(id string, st domain.CampaignStatus, target int) {
	eventbus.Emit(o.bus, eventbus.CampaignUpdate, map[string]any{
		"campaign_id": id,
		"status":      string(st),
		"target":      target,
	})
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
