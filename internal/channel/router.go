package channel

import (
	"context"
	"fmt"
	"sync"

	"wadispatch/internal/domain"
)

// Router is an Adapter that forwards to the driver each registered channel
// names.
type Router struct {
	reg *Registry

	mu      sync.RWMutex
	drivers map[string]Adapter
}

func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg, drivers: map[string]Adapter{}}
}

// Handle installs the adapter for a driver name.
func (r *Router) Handle(driver string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a == nil {
		delete(r.drivers, driver)
		return
	}
	r.drivers[driver] = a
}

func (r *Router) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		out = append(out, name)
	}
	return out
}

func (r *Router) adapter(channelID string) (Adapter, error) {
	ch, ok := r.reg.Get(channelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	r.mu.RLock()
	a := r.drivers[ch.Driver]
	r.mu.RUnlock()
	if a == nil {
		return nil, fmt.Errorf("%w: %q for channel %s", ErrNoDriver, ch.Driver, channelID)
	}
	return a, nil
}

func (r *Router) Send(ctx context.Context, channelID, target string, p domain.Payload) (SendResult, error) {
	a, err := r.adapter(channelID)
	if err != nil {
		return SendResult{}, err
	}
	return a.Send(ctx, channelID, target, p)
}

func (r *Router) Status(ctx context.Context, channelID string) (domain.ChannelStatus, error) {
	a, err := r.adapter(channelID)
	if err != nil {
		return domain.ChannelDisconnected, err
	}
	return a.Status(ctx, channelID)
}
