package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wadispatch/internal/domain"
)

func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	now := time.Now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	c.CreatedAt, c.UpdatedAt = now, now

	var recipients sql.NullString
	if len(c.Recipients) > 0 {
		b, err := json.Marshal(c.Recipients)
		if err != nil {
			return err
		}
		recipients = sql.NullString{String: string(b), Valid: true}
	}
	var mediaKind, mediaURL, mediaFile sql.NullString
	if c.Media != nil {
		mediaKind = nullStr(string(c.MediaKind))
		mediaURL = nullStr(c.Media.URL)
		mediaFile = nullStr(c.Media.FileName)
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		c.ID, c.AccountID, c.Name, string(c.Type), string(c.Status), nullStr(c.ChannelID), c.Template,
		mediaKind, mediaURL, mediaFile, recipients, nullMillis(c.ScheduledAt),
		c.TargetCount, c.SentCount, c.SuccessCount, c.FailureCount,
		nullMillis(c.StartedAt), nullMillis(c.CompletedAt), millis(now), millis(now),
	)
	if isDuplicate(err) {
		return fmt.Errorf("campaign %s: %w", c.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	var r campaignRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, ErrNotFound
	}
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("failed to get campaign: %w", err)
	}
	return r.toDomain()
}

func (s *Store) ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?)")
		args = append(args, strs(f.Statuses))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Account != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.Account)
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	q, qargs, err := s.in(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []campaignRow
	if err := s.db.SelectContext(ctx, &rows, q, qargs...); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	out := make([]domain.Campaign, 0, len(rows))
	for _, r := range rows {
		c, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ActivateCampaign moves a draft campaign to active and inserts its
// messages in one transaction, so no reader sees a target count without
// its messages. It returns ErrConflict if the campaign is not a draft.
func (s *Store) ActivateCampaign(ctx context.Context, campaignID string, msgs []*domain.Message, startedAt time.Time) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin activation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE campaigns
		SET status = ?, target_count = ?, sent_count = 0, success_count = 0, failure_count = 0,
		    started_at = ?, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(domain.CampaignActive), len(msgs), millis(startedAt), millis(time.Now()),
		campaignID, string(domain.CampaignDraft),
	)
	if err != nil {
		return fmt.Errorf("failed to activate campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s is not a draft: %w", campaignID, ErrConflict)
	}
	for _, m := range msgs {
		if m.CreatedAt.Before(startedAt) {
			m.CreatedAt = startedAt
		}
	}
	if err = insertMessages(ctx, tx, msgs, startedAt); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}
	return nil
}

// UpdateCampaignStatus moves a campaign to `to` only from one of `from`.
// Completing stamps completed_at.
func (s *Store) UpdateCampaignStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("storage: campaign transition needs source statuses")
	}
	query := `UPDATE campaigns SET status = ?, updated_at = ?`
	args := []any{string(to), millis(at)}
	if to == domain.CampaignCompleted {
		query += `, completed_at = ?`
		args = append(args, millis(at))
	}
	query += ` WHERE id = ? AND status IN (?)`
	args = append(args, id, strs(from))

	q, qargs, err := s.in(query, args...)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, q, qargs...)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncrementCampaignCounters adds d in a single UPDATE so concurrent channel
// consumers never lose increments.
func (s *Store) IncrementCampaignCounters(ctx context.Context, id string, d CounterDelta) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE campaigns
		SET sent_count = sent_count + ?, success_count = success_count + ?, failure_count = failure_count + ?, updated_at = ?
		WHERE id = ?`),
		d.Sent, d.Success, d.Failure, millis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment campaign counters: %w", err)
	}
	return nil
}
