// Package jobs holds the time-driven work of the engine: releasing due
// scheduled messages, starting birthday campaigns, closing finished
// campaigns, reconciling channel status and pruning old records.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/storage"
	"wadispatch/internal/task/engine"
	"wadispatch/internal/task/scheduler"
	"wadispatch/pkg/logx"
)

const (
	JobDeliverDue       = "deliver.due"
	JobCampaignBirthday = "campaign.birthday"
	JobCampaignComplete = "campaign.completion"
	JobChannelReconcile = "channel.reconcile"
	JobRecordsPrune     = "records.prune"

	ActionChannelStatus = "channel.status"
	ActionPrune         = "records.prune"
)

type Store interface {
	GetDueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)
	TransitionMessage(ctx context.Context, id string, from []domain.MessageStatus, upd storage.MessageUpdate) (bool, error)
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListCampaigns(ctx context.Context, f storage.CampaignFilter) ([]domain.Campaign, error)
	UpdateChannelStatus(ctx context.Context, id string, status domain.ChannelStatus, at time.Time) error
	CreateAuditLog(ctx context.Context, e domain.AuditEntry) error
	PruneAuditLogs(ctx context.Context, before time.Time) (int64, error)
}

type Queue interface {
	Enqueue(m domain.Message) (bool, error)
	Requeue(ctx context.Context, channelID string) (int, error)
}

type Campaigns interface {
	Start(ctx context.Context, id string) (domain.Campaign, error)
	Rearm(ctx context.Context, id string) (bool, error)
	CheckCompletion(ctx context.Context, id string) (bool, error)
}

type Channels interface {
	List() []domain.Channel
	SetStatus(channelID string, st domain.ChannelStatus) (prev domain.ChannelStatus, ok bool)
}

type Prober interface {
	Status(ctx context.Context, channelID string) (domain.ChannelStatus, error)
}

type Evicter interface {
	Evict(idle time.Duration) int
}

// Config holds schedules and knobs. Zero values take defaults.
type Config struct {
	DueEvery        time.Duration
	CompletionEvery time.Duration
	ReconcileEvery  time.Duration
	BirthdayAt      string // HH:MM
	PruneAt         string // HH:MM, Sundays
	Retention       time.Duration
	DueBatch        int
	IdleEvict       time.Duration
}

func (c Config) withDefaults() Config {
	if c.DueEvery <= 0 {
		c.DueEvery = time.Minute
	}
	if c.CompletionEvery <= 0 {
		c.CompletionEvery = 5 * time.Minute
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = 5 * time.Minute
	}
	if c.BirthdayAt == "" {
		c.BirthdayAt = "09:00"
	}
	if c.PruneAt == "" {
		c.PruneAt = "03:00"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.DueBatch <= 0 {
		c.DueBatch = 500
	}
	if c.IdleEvict <= 0 {
		c.IdleEvict = 24 * time.Hour
	}
	return c
}

type Deps struct {
	Store     Store
	Queue     Queue
	Campaigns Campaigns
	Channels  Channels
	Prober    Prober
	Limiter   Evicter
	Bus       eventbus.Bus
	Log       logx.Logger

	Now      func() time.Time
	Location func() *time.Location
}

type Jobs struct {
	Deps

	mu  sync.Mutex
	cfg Config
}

func (j *Jobs) config() Config {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg
}

func New(deps Deps, cfg Config) *Jobs {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = func() *time.Location { return time.Local }
	}
	return &Jobs{Deps: deps, cfg: cfg.withDefaults()}
}

// Register adds every job to s. Calling it again replaces the schedules,
// which is how config reloads apply new timings.
func (j *Jobs) Register(s *scheduler.Service, cfg Config) error {
	cfg = cfg.withDefaults()
	j.mu.Lock()
	j.cfg = cfg
	j.mu.Unlock()
	birthday, err := scheduler.DailyAt(cfg.BirthdayAt)
	if err != nil {
		return fmt.Errorf("birthday_at: %w", err)
	}
	prune, err := scheduler.WeeklyAt(time.Sunday, cfg.PruneAt)
	if err != nil {
		return fmt.Errorf("prune_at: %w", err)
	}
	once := engine.TaskOptions{RetryMax: -1}
	retry := engine.TaskOptions{RetryMax: 2, RetryBase: 5 * time.Second}
	defs := []struct {
		name    string
		spec    string
		timeout time.Duration
		opt     engine.TaskOptions
		job     scheduler.Job
	}{
		{JobDeliverDue, cfg.DueEvery.String(), cfg.DueEvery, once, j.DeliverDue},
		{JobCampaignBirthday, birthday, 10 * time.Minute, retry, j.StartBirthdays},
		{JobCampaignComplete, cfg.CompletionEvery.String(), cfg.CompletionEvery, once, j.CheckCompletions},
		{JobChannelReconcile, cfg.ReconcileEvery.String(), cfg.ReconcileEvery, once, j.ReconcileChannels},
		{JobRecordsPrune, prune, 10 * time.Minute, retry, j.Prune},
	}
	for _, d := range defs {
		if err := s.Add(d.name, d.spec, d.timeout, d.opt, d.job); err != nil {
			return err
		}
	}
	return nil
}

// DeliverDue moves pending messages whose time has come to queued and hands
// them to the dispatch queue. The conditional move is the dedup signal: a
// message already taken by another scan is skipped. Messages of paused
// campaigns stay pending until the campaign resumes.
func (j *Jobs) DeliverDue(ctx context.Context) error {
	now := j.Now()
	due, err := j.Store.GetDueScheduledMessages(ctx, now, j.config().DueBatch)
	if err != nil {
		return err
	}
	paused := map[string]bool{}
	released := 0
	for _, m := range due {
		if m.CampaignID != "" {
			p, seen := paused[m.CampaignID]
			if !seen {
				c, err := j.Store.GetCampaign(ctx, m.CampaignID)
				if err != nil {
					j.Log.Warn("due scan: campaign lookup failed", logx.String("campaign", m.CampaignID), logx.Err(err))
					continue
				}
				p = c.Status == domain.CampaignPaused
				paused[m.CampaignID] = p
			}
			if p {
				continue
			}
		}
		ok, err := j.Store.TransitionMessage(ctx, m.ID,
			[]domain.MessageStatus{domain.MessagePending}, storage.MessageUpdate{Status: domain.MessageQueued})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		m.Status = domain.MessageQueued
		if _, err := j.Queue.Enqueue(m); err != nil {
			j.Log.Warn("due scan: enqueue failed", logx.String("message", m.ID), logx.Err(err))
			continue
		}
		released++
	}
	if released > 0 {
		j.Log.Info("released scheduled messages", logx.Int("count", released))
	}
	return nil
}

// StartBirthdays rearms birthday campaigns that completed on an earlier day
// and starts every birthday campaign in draft.
func (j *Jobs) StartBirthdays(ctx context.Context) error {
	now := j.Now().In(j.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	list, err := j.Store.ListCampaigns(ctx, storage.CampaignFilter{
		Type:     domain.CampaignBirthday,
		Statuses: []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignCompleted},
	})
	if err != nil {
		return err
	}
	var errs []error
	started := 0
	for _, c := range list {
		if c.Status == domain.CampaignCompleted {
			if c.CompletedAt == nil || !c.CompletedAt.Before(today) {
				continue
			}
			if _, err := j.Campaigns.Rearm(ctx, c.ID); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if _, err := j.Campaigns.Start(ctx, c.ID); err != nil {
			j.Log.Warn("birthday campaign not started", logx.String("campaign", c.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("campaign %s: %w", c.ID, err))
			continue
		}
		started++
	}
	j.Log.Info("birthday run finished", logx.Int("campaigns", len(list)), logx.Int("started", started))
	return errors.Join(errs...)
}

func (j *Jobs) CheckCompletions(ctx context.Context) error {
	list, err := j.Store.ListCampaigns(ctx, storage.CampaignFilter{Statuses: []domain.CampaignStatus{domain.CampaignActive}})
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range list {
		if _, err := j.Campaigns.CheckCompletion(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ReconcileChannels refreshes every channel's cached status from its
// driver. A channel that comes back gets its stranded work re-enqueued.
func (j *Jobs) ReconcileChannels(ctx context.Context) error {
	var errs []error
	for _, ch := range j.Channels.List() {
		st, err := j.Prober.Status(ctx, ch.ID)
		if err != nil {
			j.Log.Warn("channel status probe failed", logx.String("channel", ch.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.ID, err))
			continue
		}
		prev, ok := j.Channels.SetStatus(ch.ID, st)
		if !ok || prev == st {
			continue
		}
		now := j.Now()
		log := j.Log.With(logx.String("channel", ch.ID), logx.String("from", string(prev)), logx.String("to", string(st)))
		log.Info("channel status changed")
		if err := j.Store.UpdateChannelStatus(ctx, ch.ID, st, now); err != nil {
			errs = append(errs, err)
		}
		if err := j.Store.CreateAuditLog(ctx, domain.AuditEntry{
			AccountID: ch.AccountID, Action: ActionChannelStatus, Subject: ch.ID,
			Detail: string(prev) + " -> " + string(st), CreatedAt: now,
		}); err != nil {
			log.Warn("audit write failed", logx.Err(err))
		}
		eventbus.Emit(j.Bus, eventbus.SessionStatus, map[string]any{
			"channel_id": ch.ID,
			"account_id": ch.AccountID,
			"status":     string(st),
			"previous":   string(prev),
		})
		if st == domain.ChannelConnected {
			n, err := j.Queue.Requeue(ctx, ch.ID)
			if err != nil {
				errs = append(errs, err)
			} else if n > 0 {
				log.Info("requeued stranded messages", logx.Int("count", n))
			}
		}
	}
	if j.Limiter != nil {
		if n := j.Limiter.Evict(j.config().IdleEvict); n > 0 {
			j.Log.Debug("evicted idle rate-limit state", logx.Int("channels", n))
		}
	}
	return errors.Join(errs...)
}

func (j *Jobs) Prune(ctx context.Context) error {
	now := j.Now()
	retention := j.config().Retention
	n, err := j.Store.PruneAuditLogs(ctx, now.Add(-retention))
	if err != nil {
		return err
	}
	j.Log.Info("pruned audit logs", logx.Int64("removed", n))
	return j.Store.CreateAuditLog(ctx, domain.AuditEntry{
		Action: ActionPrune, Detail: fmt.Sprintf("removed %d entries older than %s", n, retention), CreatedAt: now,
	})
}
