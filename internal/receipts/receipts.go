// Package receipts caches what a driver returned for each sent message so
// delivery acknowledgements, which carry only the provider's reference, can
// be matched back to a message.
package receipts

import (
	"context"
	"errors"
	"sync"
	"time"
)

const DefaultTTL = 24 * time.Hour

type Receipt struct {
	MessageID   string    `json:"message_id"`
	ProviderRef string    `json:"provider_ref"`
	SentAt      time.Time `json:"sent_at"`
}

type Cache interface {
	Put(ctx context.Context, r Receipt) error
	Get(ctx context.Context, messageID string) (Receipt, bool, error)
	// Resolve maps a provider reference to the message ID it was sent as.
	Resolve(ctx context.Context, providerRef string) (string, bool, error)
	Close() error
}

var ErrEmptyMessageID = errors.New("receipts: empty message id")

// Nop discards everything. It backs receipts.driver=none.
type Nop struct{}

func (Nop) Put(context.Context, Receipt) error                    { return nil }
func (Nop) Get(context.Context, string) (Receipt, bool, error)    { return Receipt{}, false, nil }
func (Nop) Resolve(context.Context, string) (string, bool, error) { return "", false, nil }
func (Nop) Close() error                                          { return nil }

type memEntry struct {
	r       Receipt
	expires time.Time
}

// Memory is an in-process cache with lazy expiry.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	byID  map[string]memEntry
	byRef map[string]string
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, byID: map[string]memEntry{}, byRef: map[string]string{}}
}

func (m *Memory) Put(_ context.Context, r Receipt) error {
	if r.MessageID == "" {
		return ErrEmptyMessageID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	if old, ok := m.byID[r.MessageID]; ok && old.r.ProviderRef != "" {
		delete(m.byRef, old.r.ProviderRef)
	}
	m.byID[r.MessageID] = memEntry{r: r, expires: m.now().Add(m.ttl)}
	if r.ProviderRef != "" {
		m.byRef[r.ProviderRef] = r.MessageID
	}
	return nil
}

func (m *Memory) Get(_ context.Context, messageID string) (Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[messageID]
	if !ok || !m.now().Before(e.expires) {
		return Receipt{}, false, nil
	}
	return e.r, true, nil
}

func (m *Memory) Resolve(_ context.Context, providerRef string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRef[providerRef]
	if !ok {
		return "", false, nil
	}
	if e, live := m.byID[id]; !live || !m.now().Before(e.expires) {
		return "", false, nil
	}
	return id, true, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.byID)
}

func (m *Memory) Close() error { return nil }

func (m *Memory) sweepLocked() {
	now := m.now()
	for id, e := range m.byID {
		if !now.Before(e.expires) {
			delete(m.byID, id)
			if e.r.ProviderRef != "" && m.byRef[e.r.ProviderRef] == id {
				delete(m.byRef, e.r.ProviderRef)
			}
		}
	}
}
