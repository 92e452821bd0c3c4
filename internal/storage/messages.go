package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"wadispatch/internal/domain"
)

// CreateMessage inserts m, assigning an ID, timestamps and the pending
// status when unset.
func (s *Store) CreateMessage(ctx context.Context, m *domain.Message) error {
	return insertMessages(ctx, s.db, []*domain.Message{m}, time.Now())
}

func insertMessages(ctx context.Context, ex sqlx.ExtContext, msgs []*domain.Message, now time.Time) error {
	q := ex.Rebind(`INSERT INTO messages (` + messageColumns + `)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Status == "" {
			m.Status = domain.MessagePending
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		rec, err := domain.EncodePayload(m.Payload)
		if err != nil {
			return fmt.Errorf("message %s: %w", m.ID, err)
		}
		_, err = ex.ExecContext(ctx, q,
			m.ID, m.ChannelID, nullStr(m.CampaignID), m.Target, m.RecipientName,
			string(rec.Kind), rec.Body, nullStr(rec.MediaURL), nullStr(rec.Meta),
			string(m.Status), nullMillis(m.ScheduledFor), nullMillis(m.SentAt), nullMillis(m.DeliveredAt),
			nullStr(m.FailureReason), nullStr(m.ProviderRef), millis(m.CreatedAt), millis(m.UpdatedAt),
		)
		if isDuplicate(err) {
			return fmt.Errorf("message %s: %w", m.ID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	var r messageRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return r.toDomain()
}

// FindMessageByProviderRef resolves the provider's reference for a sent
// message back to the message.
func (s *Store) FindMessageByProviderRef(ctx context.Context, ref string) (domain.Message, error) {
	var r messageRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE provider_ref = ? ORDER BY created_at DESC LIMIT 1`), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to find message: %w", err)
	}
	return r.toDomain()
}

// TransitionMessage applies upd only while the message is in one of from.
// It reports whether the row changed.
func (s *Store) TransitionMessage(ctx context.Context, id string, from []domain.MessageStatus, upd MessageUpdate) (bool, error) {
	if upd.Status == "" || len(from) == 0 {
		return false, errors.New("storage: transition needs a target and source statuses")
	}
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(upd.Status), millis(time.Now())}
	if upd.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, millis(*upd.SentAt))
	}
	if upd.FailureReason != "" {
		sets = append(sets, "failure_reason = ?")
		args = append(args, upd.FailureReason)
	}
	if upd.ProviderRef != "" {
		sets = append(sets, "provider_ref = ?")
		args = append(args, upd.ProviderRef)
	}
	args = append(args, id, strs(from))

	q, qargs, err := s.in(`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN (?)`, args...)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, q, qargs...)
	if err != nil {
		return false, fmt.Errorf("failed to transition message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkDelivered promotes a sent message. Any other status is left alone.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE messages SET status = ?, delivered_at = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(domain.MessageDelivered), millis(at), millis(time.Now()), id, string(domain.MessageSent),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetDueScheduledMessages returns pending messages whose scheduled time has
// arrived, oldest first.
func (s *Store) GetDueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+messageColumns+` FROM messages
		WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
		ORDER BY scheduled_for, created_at LIMIT ?`),
		string(domain.MessagePending), millis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get due messages: %w", err)
	}
	return messagesFromRows(rows)
}

// ListMessagesByStatus returns messages in any of statuses, optionally
// restricted to one channel, in creation order.
func (s *Store) ListMessagesByStatus(ctx context.Context, channelID string, statuses ...domain.MessageStatus) ([]domain.Message, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE status IN (?)`
	args := []any{strs(statuses)}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at, id`

	q, qargs, err := s.in(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, q, qargs...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messagesFromRows(rows)
}

// ListUnfinishedMessages returns a channel's messages that have not reached
// a terminal status. An empty channelID lists every channel.
func (s *Store) ListUnfinishedMessages(ctx context.Context, channelID string) ([]domain.Message, error) {
	return s.ListMessagesByStatus(ctx, channelID,
		domain.MessagePending, domain.MessageQueued, domain.MessageProcessing)
}

// currentRun limits a campaign's messages to those of its latest activation.
// A rearmed campaign keeps earlier runs' rows; each activation stamps
// started_at and creates its messages at that instant. It binds one
// campaign ID.
const currentRun = `created_at >= (SELECT started_at FROM campaigns WHERE id = ?)`

// CountCampaignMessages counts the current run's messages by status.
func (s *Store) CountCampaignMessages(ctx context.Context, campaignID string) (domain.MessageCounts, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT status, COUNT(*) AS n FROM messages WHERE campaign_id = ? AND `+currentRun+` GROUP BY status`),
		campaignID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count campaign messages: %w", err)
	}
	out := domain.MessageCounts{}
	for _, r := range rows {
		out[domain.MessageStatus(r.Status)] = r.N
	}
	return out, nil
}

// ListFailedMessages returns the earliest failures of the campaign's current run.
func (s *Store) ListFailedMessages(ctx context.Context, campaignID string, limit int) ([]domain.Failure, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []struct {
		Target string         `db:"target"`
		Name   string         `db:"recipient_name"`
		Reason sql.NullString `db:"failure_reason"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT target, recipient_name, failure_reason FROM messages
		WHERE campaign_id = ? AND status = ? AND `+currentRun+` ORDER BY updated_at, id LIMIT ?`),
		campaignID, string(domain.MessageFailed), campaignID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	out := make([]domain.Failure, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Failure{Target: r.Target, Name: r.Name, Reason: r.Reason.String})
	}
	return out, nil
}
