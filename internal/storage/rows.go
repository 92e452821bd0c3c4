package storage

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"wadispatch/internal/domain"
)

const messageColumns = `id, channel_id, campaign_id, target, recipient_name, kind, body, media_url, meta,
	status, scheduled_for, sent_at, delivered_at, failure_reason, provider_ref, created_at, updated_at`

type messageRow struct {
	ID            string         `db:"id"`
	ChannelID     string         `db:"channel_id"`
	CampaignID    sql.NullString `db:"campaign_id"`
	Target        string         `db:"target"`
	RecipientName string         `db:"recipient_name"`
	Kind          string         `db:"kind"`
	Body          string         `db:"body"`
	MediaURL      sql.NullString `db:"media_url"`
	Meta          sql.NullString `db:"meta"`
	Status        string         `db:"status"`
	ScheduledFor  sql.NullInt64  `db:"scheduled_for"`
	SentAt        sql.NullInt64  `db:"sent_at"`
	DeliveredAt   sql.NullInt64  `db:"delivered_at"`
	FailureReason sql.NullString `db:"failure_reason"`
	ProviderRef   sql.NullString `db:"provider_ref"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

func (r messageRow) toDomain() (domain.Message, error) {
	p, err := domain.DecodePayload(domain.PayloadRecord{
		Kind:     domain.PayloadKind(r.Kind),
		Body:     r.Body,
		MediaURL: r.MediaURL.String,
		Meta:     r.Meta.String,
	})
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:            r.ID,
		ChannelID:     r.ChannelID,
		CampaignID:    r.CampaignID.String,
		Target:        r.Target,
		RecipientName: r.RecipientName,
		Payload:       p,
		Status:        domain.MessageStatus(r.Status),
		ScheduledFor:  fromMillis(r.ScheduledFor),
		SentAt:        fromMillis(r.SentAt),
		DeliveredAt:   fromMillis(r.DeliveredAt),
		FailureReason: r.FailureReason.String,
		ProviderRef:   r.ProviderRef.String,
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		UpdatedAt:     time.UnixMilli(r.UpdatedAt),
	}, nil
}

func messagesFromRows(rows []messageRow) ([]domain.Message, error) {
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

const campaignColumns = `id, account_id, name, type, status, channel_id, template, media_kind, media_url,
	media_file_name, recipients, scheduled_at, target_count, sent_count, success_count, failure_count,
	started_at, completed_at, created_at, updated_at`

type campaignRow struct {
	ID            string         `db:"id"`
	AccountID     string         `db:"account_id"`
	Name          string         `db:"name"`
	Type          string         `db:"type"`
	Status        string         `db:"status"`
	ChannelID     sql.NullString `db:"channel_id"`
	Template      string         `db:"template"`
	MediaKind     sql.NullString `db:"media_kind"`
	MediaURL      sql.NullString `db:"media_url"`
	MediaFileName sql.NullString `db:"media_file_name"`
	Recipients    sql.NullString `db:"recipients"`
	ScheduledAt   sql.NullInt64  `db:"scheduled_at"`
	TargetCount   int            `db:"target_count"`
	SentCount     int            `db:"sent_count"`
	SuccessCount  int            `db:"success_count"`
	FailureCount  int            `db:"failure_count"`
	StartedAt     sql.NullInt64  `db:"started_at"`
	CompletedAt   sql.NullInt64  `db:"completed_at"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

func (r campaignRow) toDomain() (domain.Campaign, error) {
	c := domain.Campaign{
		ID:           r.ID,
		AccountID:    r.AccountID,
		Name:         r.Name,
		Type:         domain.CampaignType(r.Type),
		Status:       domain.CampaignStatus(r.Status),
		ChannelID:    r.ChannelID.String,
		Template:     r.Template,
		ScheduledAt:  fromMillis(r.ScheduledAt),
		TargetCount:  r.TargetCount,
		SentCount:    r.SentCount,
		SuccessCount: r.SuccessCount,
		FailureCount: r.FailureCount,
		StartedAt:    fromMillis(r.StartedAt),
		CompletedAt:  fromMillis(r.CompletedAt),
		CreatedAt:    time.UnixMilli(r.CreatedAt),
		UpdatedAt:    time.UnixMilli(r.UpdatedAt),
	}
	if r.MediaURL.Valid && r.MediaURL.String != "" {
		c.MediaKind = domain.PayloadKind(r.MediaKind.String)
		c.Media = &domain.Media{URL: r.MediaURL.String, FileName: r.MediaFileName.String}
	}
	if s := strings.TrimSpace(r.Recipients.String); s != "" {
		if err := json.Unmarshal([]byte(s), &c.Recipients); err != nil {
			return domain.Campaign{}, err
		}
	}
	return c, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func strs[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
