// Package channel knows which outbound connections exist, what state they
// are in and which driver delivers through them.
package channel

import (
	"context"
	"errors"

	"wadispatch/internal/domain"
)

var (
	ErrUnknownChannel     = errors.New("channel: not registered")
	ErrNoDriver           = errors.New("channel: no driver")
	ErrUnsupportedPayload = errors.New("channel: payload not supported by driver")
)

// SendResult carries the provider's reference for a delivered send, used
// later to match delivery acknowledgements.
type SendResult struct {
	ProviderRef string
}

// Adapter performs sends and reports connectivity. Implementations must be
// safe for concurrent use across channels; the engine never issues two
// concurrent sends on the same channel.
type Adapter interface {
	Send(ctx context.Context, channelID, target string, p domain.Payload) (SendResult, error)
	Status(ctx context.Context, channelID string) (domain.ChannelStatus, error)
}
