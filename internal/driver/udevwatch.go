package driver

import (
	"context"

	"github.com/jochenvg/go-udev"
)

// HotplugWatcher watches udev for add/remove events on a subsystem
// (e.g. "tty" for the radar's USB-serial adapter, "sound" for the USB
// microphone) and signals Changed so a driver's reconnect loop can
// retry immediately instead of waiting out its backoff.
type HotplugWatcher struct {
	Changed chan string // device syspath that changed
}

// NewHotplugWatcher starts monitoring subsystem in the background
// until ctx is cancelled.
func NewHotplugWatcher(ctx context.Context, subsystem string) *HotplugWatcher {
	w := &HotplugWatcher{Changed: make(chan string, 8)}
	go w.run(ctx, subsystem)
	return w
}

func (w *HotplugWatcher) run(ctx context.Context, subsystem string) {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")
	if mon == nil {
		return
	}
	if err := mon.FilterAddMatchSubsystem(subsystem); err != nil {
		return
	}
	deviceCh, errCh, err := mon.DeviceChan(ctx)
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-errCh:
			return
		case dev, ok := <-deviceCh:
			if !ok {
				return
			}
			select {
			case w.Changed <- dev.Syspath():
			default:
				// best-effort nudge; a full channel means a reconnect
				// attempt is already pending
			}
		}
	}
}
