package service

import (
	"context"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// NotifyReady tells systemd startup finished. A false return with no error
// means the agent is not running under a notify service, which is fine for
// interactive use.
func NotifyReady(logger logging.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warnf("notifying systemd of readiness: %s", err)
		return
	}
	if sent {
		logger.Debug("systemd notified of readiness")
	}
}

// NotifyStopping tells systemd a shutdown is underway.
func NotifyStopping(logger logging.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warnf("notifying systemd of shutdown: %s", err)
	}
}

// RunWatchdog pings the systemd watchdog at half its configured interval
// until the context ends. It returns immediately when no watchdog is set.
func RunWatchdog(ctx context.Context, logger logging.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warnf("checking systemd watchdog: %s", err)
		return
	}
	if interval == 0 {
		return
	}
	interval /= 2
	logger.Debugf("systemd watchdog enabled, pinging every %s", interval)

	for {
		if !goutils.SelectContextOrWait(ctx, interval) {
			return
		}
		if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
			logger.Warnf("pinging systemd watchdog: %s", err)
		}
	}
}
