// Package systemd reports service state to the init system. Every call is a
// no-op when the process is not run under a notify-type unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() bool    { return notify(daemon.SdNotifyReady) }
func Stopping() bool { return notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) bool { return notify("STATUS=" + s) }

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns immediately when WatchdogSec is not set for the unit.
func Watchdog(ctx context.Context, alive func() bool) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if alive == nil || alive() {
				notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}

func notify(state string) bool {
	ok, _ := daemon.SdNotify(false, state)
	return ok
}
