// Package tmf holds application-wide constants shared by the TeachMeFinance packages.
package tmf

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName   = "teachmefinance"
	DisplayName      = "TeachMeFinance"
	DefaultEnvPrefix = "TMF"

	// DefaultModel is the Ollama model tag requested when none is configured.
	DefaultModel    = "qwen2.5:7b-instruct"
	DefaultEndpoint = "http://localhost:11434"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

// DefaultConfigPath is the per-user configuration directory.
var DefaultConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, DefaultAppName)
	}
	return filepath.Join(".config", DefaultAppName)
}
