package service

import (
	"context"
	"os/exec"
	"regexp"
	"time"

	semver "github.com/Masterminds/semver/v3"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var bluezVersionRegex = regexp.MustCompile(`Version\s+([0-9]+\.[0-9]+)`)

// CheckBluezVersion warns when the installed BlueZ predates 5.50, where the
// GATT D-Bus API and AutoConnectAutoDisable behave differently. Parse
// problems only warn; an unreachable bluetoothctl is an error because the
// daemon itself is then likely absent.
func CheckBluezVersion(ctx context.Context, logger logging.Logger) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()
	cmd := exec.CommandContext(timeoutCtx, "bluetoothctl", "version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errw.Wrapf(err, "running 'bluetoothctl version' failed and returned: %s", string(output))
	}

	matches := bluezVersionRegex.FindSubmatch(output)
	if len(matches) != 2 {
		logger.Warnf("cannot parse output (%s) returned from 'bluetoothctl version'", output)
		return nil
	}

	sv, err := semver.NewVersion(string(matches[1]))
	if err != nil {
		logger.Warn(err)
		return nil
	}

	if !sv.GreaterThanEqual(semver.MustParse("5.50")) {
		logger.Warnf("bluez version %s is less than 5.50, functionality may be limited", string(matches[1]))
	}
	return nil
}
