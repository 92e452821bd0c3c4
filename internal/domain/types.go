package domain

import "time"

// Channel is one outbound connection known to the registry.
type Channel struct {
	ID        string        `db:"id" json:"id"`
	AccountID string        `db:"account_id" json:"account_id"`
	Driver    string        `db:"driver" json:"driver"`
	Status    ChannelStatus `db:"status" json:"status"`
	UpdatedAt time.Time     `db:"-" json:"updated_at"`
}

type Message struct {
	ID            string
	ChannelID     string
	CampaignID    string // empty for ad-hoc sends
	Target        string
	RecipientName string
	Payload       Payload
	Status        MessageStatus
	ScheduledFor  *time.Time
	SentAt        *time.Time
	DeliveredAt   *time.Time
	FailureReason string
	ProviderRef   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Due reports whether the message may be dispatched at now.
func (m Message) Due(now time.Time) bool {
	return m.ScheduledFor == nil || !m.ScheduledFor.After(now)
}

type Recipient struct {
	Phone    string `json:"phone" validate:"required,min=5,max=32"`
	Name     string `json:"name" validate:"max=128"`
	Birthday string `json:"birthday,omitempty" validate:"omitempty,len=5"` // MM-DD
}

// Contact book entry owned by an account.
type ContactEntry struct {
	AccountID string
	Recipient
}

type Campaign struct {
	ID           string
	AccountID    string
	Name         string
	Type         CampaignType
	Status       CampaignStatus
	ChannelID    string // preferred channel, optional
	Template     string
	Media        *Media
	MediaKind    PayloadKind
	Recipients   []Recipient
	ScheduledAt  *time.Time
	TargetCount  int
	SentCount    int
	SuccessCount int
	FailureCount int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SuccessRate is the percentage of settled sends that succeeded.
func (c Campaign) SuccessRate() float64 {
	if c.TargetCount <= 0 {
		return 0
	}
	return float64(c.SuccessCount) * 100 / float64(c.TargetCount)
}

// MessageCounts is a per-status tally for one campaign.
type MessageCounts map[MessageStatus]int

// InFlight counts messages that still may be sent.
func (c MessageCounts) InFlight() int {
	return c[MessagePending] + c[MessageQueued] + c[MessageProcessing]
}

type AuditEntry struct {
	ID        string
	AccountID string
	Action    string
	Subject   string
	Detail    string
	CreatedAt time.Time
}

// Failure names one recipient that could not be reached.
type Failure struct {
	Target string
	Name   string
	Reason string
}
