// Package btagent holds the top level configuration and version information
// for the bluetooth gateway agent.
package btagent

import (
	"encoding/json"
	"io/fs"
	"os"

	errw "github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

// DefaultConfigPath is where the agent looks for its config unless told
// otherwise.
const DefaultConfigPath = "/etc/btagent.json"

// Config is the agent's on-disk configuration. The file is JSONC, so
// comments and trailing commas are tolerated.
type Config struct {
	// HTTPBind is the listen address of the REST API.
	HTTPBind string `json:"httpBind"`
	// RenumberControllers assigns discovered adapters sequential friendly
	// names (controller0 and up). When false, names follow the kernel's hci
	// numbering instead.
	RenumberControllers bool `json:"renumberControllers"`
	// Debug enables debug logging.
	Debug bool `json:"debug"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		HTTPBind:            ":8080",
		RenumberControllers: true,
	}
}

// LoadConfig reads the config file at path, overlaying it on the defaults.
// A missing file is not an error; the defaults are returned.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if errw.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, errw.Wrapf(err, "reading %s", path)
	}

	if err := json.Unmarshal(jsonc.ToJSON(jsonBytes), &cfg); err != nil {
		return DefaultConfig(), errw.Wrapf(err, "parsing %s", path)
	}
	if cfg.HTTPBind == "" {
		return DefaultConfig(), errw.Errorf("httpBind must not be empty in %s", path)
	}
	return cfg, nil
}
