// Package service handles the agent's systemd integration: installing the
// unit file and reporting liveness to the service manager.
package service

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	errw "github.com/pkg/errors"
	sysd "github.com/sergeymakinen/go-systemdconf/v2"
	"github.com/sergeymakinen/go-systemdconf/v2/unit"
	"go.uber.org/zap"

	"github.com/edgelinkio/btagent/utils"
)

const (
	serviceName     = "btagent"
	serviceFileDir  = "/usr/local/lib/systemd/system"
	fallbackFileDir = "/etc/systemd/system"
	serviceFileName = "btagent.service"
)

// serviceFileContents renders the unit for the current executable path.
func serviceFileContents() ([]byte, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, errw.Wrap(err, "getting path to self")
	}

	service := unit.ServiceFile{
		Unit: unit.UnitSection{
			Description: sysd.Value{"Bluetooth gateway agent"},
			After:       sysd.Value{"bluetooth.service"},
			Requires:    sysd.Value{"bluetooth.service"},
		},
		Service: unit.ServiceSection{
			Type:       sysd.Value{"notify"},
			ExecStart:  sysd.Value{execPath},
			Restart:    sysd.Value{"always"},
			RestartSec: sysd.Value{"5"},
		},
		Install: unit.InstallSection{
			WantedBy: sysd.Value{"multi-user.target"},
		},
	}
	return sysd.Marshal(service)
}

// Install writes the systemd unit and enables the service. It must run as
// root on a systemd machine.
func Install(logger *zap.SugaredLogger) error {
	cmd := exec.Command("systemctl", "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errw.Wrapf(err, "can only install on systems using systemd, but 'systemctl --version' returned errors %s", output)
	}

	contents, err := serviceFileContents()
	if err != nil {
		return errw.Wrap(err, "rendering service file")
	}

	serviceFilePath := filepath.Join(serviceFileDir, serviceFileName)
	if !inSystemdPath(serviceFileDir) {
		logger.Warnf("%s not in systemd unit path, falling back to %s", serviceFileDir, fallbackFileDir)
		serviceFilePath = filepath.Join(fallbackFileDir, serviceFileName)
	}

	logger.Infof("writing systemd service file to %s", serviceFilePath)
	isNew, err := utils.WriteFileIfNew(serviceFilePath, contents)
	if err != nil {
		return errw.Wrapf(err, "writing systemd service file %s", serviceFilePath)
	}

	if isNew {
		logger.Infof("reloading systemd")
		cmd = exec.Command("systemctl", "daemon-reload")
		output, err = cmd.CombinedOutput()
		if err != nil {
			return errw.Wrapf(err, "running 'systemctl daemon-reload' output: %s", output)
		}
	}

	logger.Infof("enabling systemd %s service", serviceName)
	cmd = exec.Command("systemctl", "enable", serviceName)
	output, err = cmd.CombinedOutput()
	if err != nil {
		return errw.Wrapf(err, "running 'systemctl enable %s' output: %s", serviceName, output)
	}

	logger.Infof("install complete, start the service with 'systemctl restart %s' when ready", serviceName)
	return nil
}

// inSystemdPath checks whether systemd searches the given directory for unit
// files.
func inSystemdPath(dir string) bool {
	cmd := exec.Command("systemd-path", "systemd-search-system-unit")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	searchPaths := filepath.SplitList(strings.TrimSpace(string(output)))
	for _, path := range searchPaths {
		if filepath.Clean(path) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}
