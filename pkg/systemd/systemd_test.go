package systemd

import (
	"context"
	"testing"
	"time"

	"wadispatch/pkg/logx"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	sent, err := Ready()
	if err != nil || sent {
		t.Fatalf("Ready() = %v, %v, want false, nil", sent, err)
	}
	if sent, err := Stopping(); err != nil || sent {
		t.Fatalf("Stopping() = %v, %v, want false, nil", sent, err)
	}
}

func TestWatchdogReturnsWhenDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	done := make(chan struct{})
	go func() {
		Watchdog(context.Background(), nil, logx.Nop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Watchdog() did not return without WATCHDOG_USEC")
	}
}
