// Package report sends campaign completion summaries to an operator.
// Delivery is best effort: nothing is queued or retried.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"wadispatch/internal/channel"
	"wadispatch/internal/domain"
	"wadispatch/pkg/logx"
)

const MaxFailures = 10

type Sender interface {
	Send(ctx context.Context, channelID, target string, p domain.Payload) (channel.SendResult, error)
}

type Status interface {
	IsConnected(channelID string) bool
}

type Reporter struct {
	sender   Sender
	channels Status
	log      logx.Logger

	mu        sync.RWMutex
	channelID string
	recipient string
}

func New(sender Sender, channels Status, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{sender: sender, channels: channels, log: log}
}

// SetTarget changes where summaries go. An empty recipient disables reports.
func (r *Reporter) SetTarget(channelID, recipient string) {
	r.mu.Lock()
	r.channelID = strings.TrimSpace(channelID)
	r.recipient = strings.TrimSpace(recipient)
	r.mu.Unlock()
}

func (r *Reporter) Target() (channelID, recipient string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelID, r.recipient
}

func (r *Reporter) Report(ctx context.Context, c domain.Campaign, failures []domain.Failure) error {
	channelID, recipient := r.Target()
	if recipient == "" {
		return nil
	}
	log := r.log.With(logx.String("campaign", c.ID), logx.String("channel", channelID))
	if channelID == "" || !r.channels.IsConnected(channelID) {
		log.Warn("report channel not connected; skipping summary")
		return nil
	}
	if _, err := r.sender.Send(ctx, channelID, recipient, domain.Text{Body: Format(c, failures)}); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	log.Info("campaign report sent")
	return nil
}

// Format renders the operator summary.
func Format(c domain.Campaign, failures []domain.Failure) string {
	var b strings.Builder
	title := c.Name
	if title == "" {
		title = c.ID
	}
	fmt.Fprintf(&b, "Campaign completed: %s\n", title)
	fmt.Fprintf(&b, "Total: %d\n", c.TargetCount)
	fmt.Fprintf(&b, "Sent: %d\n", c.SentCount)
	fmt.Fprintf(&b, "Succeeded: %d\n", c.SuccessCount)
	fmt.Fprintf(&b, "Failed: %d\n", c.FailureCount)
	fmt.Fprintf(&b, "Success rate: %.1f%%", c.SuccessRate())

	if len(failures) > MaxFailures {
		failures = failures[:MaxFailures]
	}
	if len(failures) > 0 {
		b.WriteString("\n\nFailed recipients:")
		for _, f := range failures {
			who := f.Target
			if f.Name != "" {
				who = f.Name + " (" + f.Target + ")"
			}
			reason := f.Reason
			if reason == "" {
				reason = "unknown error"
			}
			fmt.Fprintf(&b, "\n- %s: %s", who, reason)
		}
		if extra := c.FailureCount - len(failures); extra > 0 {
			fmt.Fprintf(&b, "\n...and %d more", extra)
		}
	}
	return b.String()
}
