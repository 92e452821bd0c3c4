package storage

import (
	"errors"
	"time"

	"wadispatch/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict reports a conditional write that found the row in an
	// unexpected state, or a duplicate key.
	ErrConflict = errors.New("storage: conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": DSN is a file path
//   - "mysql": DSN is a go-sql-driver DSN (user:pass@tcp(host:3306)/db)
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // ignored for sqlite
}

// MessageUpdate is the target of a conditional status transition. Zero
// fields are left untouched.
type MessageUpdate struct {
	Status        domain.MessageStatus
	SentAt        *time.Time
	FailureReason string
	ProviderRef   string
}

// CounterDelta is added to a campaign's counters in one statement.
type CounterDelta struct {
	Sent    int
	Success int
	Failure int
}

type CampaignFilter struct {
	Statuses []domain.CampaignStatus
	Type     domain.CampaignType
	Account  string
}
