// Package systemd reports service state to systemd through the notify
// socket. Every call is a no-op when the process is not run under systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wadispatch/pkg/logx"
)

// Ready tells systemd startup finished (Type=notify units).
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(text string) (bool, error) { return daemon.SdNotify(false, "STATUS="+text) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// healthy is consulted before each ping; a false result skips it so systemd
// can restart a wedged process. It returns immediately when no watchdog is
// configured.
func Watchdog(ctx context.Context, healthy func() bool, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		if !log.IsZero() {
			log.Warn("systemd watchdog check failed", logx.Err(err))
		}
		return
	}
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if healthy != nil && !healthy() {
				if !log.IsZero() {
					log.Warn("skipping systemd watchdog ping; unhealthy")
				}
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil && !log.IsZero() {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
