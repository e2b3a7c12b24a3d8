// Package utils contains small helpers shared across the agent.
package utils

import (
	"bytes"
	"io/fs"
	"os"
	"path"
	"runtime/debug"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// WriteFileIfNew writes data to outPath (creating parent directories) unless
// the file already holds exactly that content. It reports whether a write
// happened.
func WriteFileIfNew(outPath string, data []byte) (bool, error) {
	curFileBytes, err := os.ReadFile(outPath)
	if err != nil {
		if !errw.Is(err, fs.ErrNotExist) {
			return false, errw.Wrapf(err, "opening %s for reading", outPath)
		}
	} else if bytes.Equal(curFileBytes, data) {
		return false, nil
	}

	//nolint:gosec
	if err := os.MkdirAll(path.Dir(outPath), 0o755); err != nil {
		return true, errw.Wrapf(err, "creating directory for %s", outPath)
	}

	//nolint:gosec
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return true, errw.Wrapf(err, "writing %s", outPath)
	}

	return true, nil
}

// Recover logs a panic and allows things to continue, optionally running
// inner with the recovered value. Use as a deferred call in goroutines.
func Recover(logger logging.Logger, inner func(r any)) {
	r := recover()
	if r != nil {
		logger.Error("encountered a panic, attempting to recover")
		logger.Errorf("panic: %s\n%s", r, debug.Stack())
		if inner != nil {
			inner(r)
		}
	}
}
