package constant

import (
	"os"
	"path/filepath"
	"strings"
)

// <NodeDir>/                    (e.g., /home/directory/.dxdirectory)
// └── config/
//	└── dxdirectory_config.json
// └── data/
//	└── dxdirectory.db
//	└── sync_block

const (
	NodeDir = ".dxdirectory"

	ConfigSubdir   = "config"
	ConfigFileName = "dxdirectory_config.json"

	DataSubdir = "data"

	// EnvPrefix prefixes the environment variables that override the config file.
	EnvPrefix = "DXDIRECTORY"
)

var DefaultNodeHome = os.ExpandEnv("$HOME/") + NodeDir

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		return filepath.Join(os.ExpandEnv("$HOME"), strings.TrimPrefix(path, "~"))
	}
	return path
}
