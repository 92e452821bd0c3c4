package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFormatOperatorLine(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"2026-03-02T10:00:00Z","message":"channel throttled","channel":"c1","warnings":3}`
	got := formatOperatorLine([]byte(line + "\n"))
	want := "*WARN* channel throttled\nchannel: c1\nwarnings: 3"
	if got != want {
		t.Fatalf("formatOperatorLine() = %q, want %q", got, want)
	}
}

func TestFormatOperatorLineRaw(t *testing.T) {
	t.Parallel()
	if got := formatOperatorLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("formatOperatorLine() = %q, want %q", got, "not json")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdefghijklmnop", 12, "abcdefghi..."},
		{"abcdef", 3, "abc"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (r *recordingSender) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestOperatorSinkForwardsAboveMinLevel(t *testing.T) {
	t.Parallel()
	o := newOperatorSink()
	rec := &recordingSender{got: make(chan struct{}, 4)}
	o.setSender(rec)
	o.configure(OperatorConfig{Enabled: true, MinLevel: "error", RatePerSec: 10})
	t.Cleanup(o.stop)

	_, _ = o.WriteLevel(zerolog.WarnLevel, []byte(`{"level":"warn","message":"ignored"}`))
	_, _ = o.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"store down"}`))

	select {
	case <-rec.got:
	case <-time.After(5 * time.Second):
		t.Fatalf("operator line not delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 1 || !strings.Contains(rec.msgs[0], "store down") {
		t.Fatalf("delivered = %v, want only the error line", rec.msgs)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("IsZero() = false for the zero Logger")
	}
	l.With(String("k", "v")).Info("discarded")
	Nop().Error("discarded", Err(nil))
}
