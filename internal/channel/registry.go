package channel

import (
	"sort"
	"sync"
	"time"

	"wadispatch/internal/domain"
)

// Registry is the engine's set of configured channels and their last known
// status. Entries are created on config load and removed when a channel is
// deleted; removal runs teardown hooks so other components can drop their
// per-channel state.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*domain.Channel
	onRemove []func(channelID string)
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*domain.Channel{}, now: time.Now}
}

// OnRemove registers fn to run after a channel is unregistered.
func (r *Registry) OnRemove(fn func(channelID string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.mu.Unlock()
}

// Register adds or updates a channel. The cached status survives updates;
// a new channel starts as connecting unless ch carries a status.
func (r *Registry) Register(ch domain.Channel) (added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[ch.ID]; ok {
		cur.AccountID = ch.AccountID
		cur.Driver = ch.Driver
		return false
	}
	if ch.Status == "" {
		ch.Status = domain.ChannelConnecting
	}
	ch.UpdatedAt = r.now()
	r.entries[ch.ID] = &ch
	return true
}

func (r *Registry) Unregister(channelID string) bool {
	r.mu.Lock()
	_, ok := r.entries[channelID]
	delete(r.entries, channelID)
	hooks := append([]func(string){}, r.onRemove...)
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, fn := range hooks {
		fn(channelID)
	}
	return true
}

func (r *Registry) Get(channelID string) (domain.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.entries[channelID]
	if !ok {
		return domain.Channel{}, false
	}
	return *ch, true
}

// List returns every channel ordered by ID.
func (r *Registry) List() []domain.Channel {
	r.mu.RLock()
	out := make([]domain.Channel, 0, len(r.entries))
	for _, ch := range r.entries {
		out = append(out, *ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus records a status and returns the previous one.
func (r *Registry) SetStatus(channelID string, st domain.ChannelStatus) (prev domain.ChannelStatus, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.entries[channelID]
	if !ok {
		return "", false
	}
	prev = ch.Status
	if prev != st {
		ch.Status = st
		ch.UpdatedAt = r.now()
	}
	return prev, true
}

func (r *Registry) IsConnected(channelID string) bool {
	ch, ok := r.Get(channelID)
	return ok && ch.Status == domain.ChannelConnected
}

// Connected returns the account's connected channels ordered by ID.
func (r *Registry) Connected(accountID string) []domain.Channel {
	var out []domain.Channel
	for _, ch := range r.List() {
		if ch.AccountID == accountID && ch.Status == domain.ChannelConnected {
			out = append(out, ch)
		}
	}
	return out
}
