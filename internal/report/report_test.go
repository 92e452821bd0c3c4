package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"wadispatch/internal/channel"
	"wadispatch/internal/domain"
	"wadispatch/pkg/logx"
)

type capture struct {
	channel string
	target  string
	body    string
	calls   int
	err     error
}

func (c *capture) Send(_ context.Context, channelID, target string, p domain.Payload) (channel.SendResult, error) {
	c.calls++
	c.channel, c.target = channelID, target
	c.body = p.(domain.Text).Body
	return channel.SendResult{}, c.err
}

type connected map[string]bool

func (c connected) IsConnected(id string) bool { return c[id] }

func TestFormat(t *testing.T) {
	t.Parallel()
	c := domain.Campaign{Name: "Spring", TargetCount: 5, SentCount: 5, SuccessCount: 4, FailureCount: 1}
	got := Format(c, []domain.Failure{{Target: "62803", Name: "Citra", Reason: "not on whatsapp"}})
	want := "Campaign completed: Spring\nTotal: 5\nSent: 5\nSucceeded: 4\nFailed: 1\nSuccess rate: 80.0%\n\nFailed recipients:\n- Citra (62803): not on whatsapp"
	if got != want {
		t.Fatalf("Format() =\n%s\nwant\n%s", got, want)
	}
}

func TestFormatCapsFailures(t *testing.T) {
	t.Parallel()
	var fails []domain.Failure
	for i := 0; i < 12; i++ {
		fails = append(fails, domain.Failure{Target: fmt.Sprint(i), Reason: "x"})
	}
	got := Format(domain.Campaign{Name: "n", TargetCount: 15, SuccessCount: 3, FailureCount: 12}, fails)
	if n := strings.Count(got, "\n- "); n != MaxFailures {
		t.Fatalf("listed failures = %d, want %d", n, MaxFailures)
	}
	if !strings.HasSuffix(got, "...and 2 more") {
		t.Fatalf("Format() missing overflow line:\n%s", got)
	}
	if !strings.Contains(got, "Success rate: 20.0%") {
		t.Fatalf("Format() rate line wrong:\n%s", got)
	}
}

func TestReport(t *testing.T) {
	t.Parallel()
	c := domain.Campaign{ID: "c", Name: "n", TargetCount: 1, SuccessCount: 1, SentCount: 1}

	tests := []struct {
		name      string
		channelID string
		recipient string
		conn      connected
		sendErr   error
		wantCalls int
		wantErr   bool
	}{
		{"no recipient is a no-op", "ops", "", connected{"ops": true}, nil, 0, false},
		{"disconnected skips", "ops", "42", connected{}, nil, 0, false},
		{"sends", "ops", "42", connected{"ops": true}, nil, 1, false},
		{"send error surfaces", "ops", "42", connected{"ops": true}, errors.New("boom"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &capture{err: tt.sendErr}
			r := New(s, tt.conn, logx.Nop())
			r.SetTarget(tt.channelID, tt.recipient)

			err := r.Report(context.Background(), c, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Report() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s.calls != tt.wantCalls {
				t.Fatalf("sends = %d, want %d", s.calls, tt.wantCalls)
			}
			if s.calls > 0 && (s.channel != "ops" || s.target != "42" || !strings.HasPrefix(s.body, "Campaign completed: n")) {
				t.Fatalf("sent %q to %s/%s", s.body, s.channel, s.target)
			}
		})
	}
}
