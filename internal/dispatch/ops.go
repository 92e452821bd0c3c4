package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/storage"
	"wadispatch/pkg/logx"
)

// InterruptedReason marks messages found in processing at startup.
const InterruptedReason = "interrupted"

// Cancel moves a not-yet-attempted message to cancelled. The lane consumer
// skips it when it reaches the head. It reports false when the message had
// already been claimed or settled.
func (q *Queue) Cancel(ctx context.Context, messageID string) (bool, error) {
	ok, err := q.store.TransitionMessage(ctx, messageID, claimable, storage.MessageUpdate{Status: domain.MessageCancelled})
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", messageID, err)
	}
	if !ok {
		return false, nil
	}
	q.log.Debug("message cancelled", logx.String("message", messageID))

	if fn := q.settledHook(); fn != nil {
		m, err := q.store.GetMessage(ctx, messageID)
		if err == nil && m.CampaignID != "" {
			fn(ctx, m)
		}
	}
	return true, nil
}

// CancelChannel drops a removed channel's lane and cancels every message it
// has not attempted yet, so their campaigns can still complete. A send
// already in flight settles normally. It returns how many were cancelled.
func (q *Queue) CancelChannel(ctx context.Context, channelID string) (int, error) {
	q.Drop(channelID)
	msgs, err := q.store.ListUnfinishedMessages(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("cancel channel %s: %w", channelID, err)
	}
	n := 0
	var errs []error
	for _, m := range msgs {
		if m.Status == domain.MessageProcessing {
			continue
		}
		ok, err := q.Cancel(ctx, m.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		q.log.Info("channel backlog cancelled", logx.String("channel", channelID), logx.Int("cancelled", n))
	}
	return n, errors.Join(errs...)
}

// MarkDelivered records a delivery acknowledgement. ref may be the provider
// reference returned at send time or the message ID itself.
func (q *Queue) MarkDelivered(ctx context.Context, ref string, at time.Time) (bool, error) {
	id, err := q.resolve(ctx, ref)
	if err != nil {
		return false, err
	}
	if at.IsZero() {
		at = q.clock.Now()
	}
	ok, err := q.store.MarkDelivered(ctx, id, at)
	if err != nil {
		return false, err
	}
	if ok {
		q.log.Debug("message delivered", logx.String("message", id))
	}
	return ok, nil
}

func (q *Queue) resolve(ctx context.Context, ref string) (string, error) {
	if q.receipts != nil {
		id, ok, err := q.receipts.Resolve(ctx, ref)
		if err != nil {
			q.log.Warn("receipt lookup failed; falling back to store", logx.Err(err))
		} else if ok {
			return id, nil
		}
	}
	m, err := q.store.FindMessageByProviderRef(ctx, ref)
	if err == nil {
		return m.ID, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ref, nil
	}
	return "", err
}

// RecoverStats summarizes a startup recovery pass.
type RecoverStats struct {
	Interrupted int
	Requeued    int
}

// Recover repairs state left by a previous process. Messages caught in
// processing may or may not have reached the provider, so they fail with
// reason "interrupted" rather than risk a second send. Queued messages and
// unscheduled pending messages go back into their lanes.
func (q *Queue) Recover(ctx context.Context) (RecoverStats, error) {
	var st RecoverStats
	msgs, err := q.store.ListUnfinishedMessages(ctx, "")
	if err != nil {
		return st, fmt.Errorf("recover: %w", err)
	}
	hook := q.settledHook()
	for _, m := range msgs {
		if m.Status != domain.MessageProcessing {
			continue
		}
		ok, err := q.store.TransitionMessage(ctx, m.ID, []domain.MessageStatus{domain.MessageProcessing},
			storage.MessageUpdate{Status: domain.MessageFailed, FailureReason: InterruptedReason})
		if err != nil {
			return st, fmt.Errorf("recover %s: %w", m.ID, err)
		}
		if !ok {
			continue
		}
		st.Interrupted++
		if m.CampaignID != "" {
			if err := q.store.IncrementCampaignCounters(ctx, m.CampaignID, storage.CounterDelta{Sent: 1, Failure: 1}); err != nil {
				return st, fmt.Errorf("recover %s: %w", m.ID, err)
			}
			if hook != nil {
				hook(ctx, m)
			}
		}
	}
	for _, m := range msgs {
		if m.Status == domain.MessageProcessing || !requeueable(m) {
			continue
		}
		if ok, _ := q.Enqueue(m); ok {
			st.Requeued++
		}
	}
	if st.Interrupted > 0 || st.Requeued > 0 {
		q.log.Info("dispatch recovered", logx.Int("interrupted", st.Interrupted), logx.Int("requeued", st.Requeued))
	}
	return st, nil
}

// Requeue puts a channel's stranded work back into its lane, typically after
// the channel reconnects. It returns how many messages were added.
func (q *Queue) Requeue(ctx context.Context, channelID string) (int, error) {
	msgs, err := q.store.ListUnfinishedMessages(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("requeue %s: %w", channelID, err)
	}
	n := 0
	for _, m := range msgs {
		if !requeueable(m) {
			continue
		}
		if ok, _ := q.Enqueue(m); ok {
			n++
		}
	}
	return n, nil
}

// requeueable: queued messages were already picked up by the due scan;
// pending ones belong in a lane only when they were never scheduled.
func requeueable(m domain.Message) bool {
	switch m.Status {
	case domain.MessageQueued:
		return true
	case domain.MessagePending:
		return m.ScheduledFor == nil
	}
	return false
}
