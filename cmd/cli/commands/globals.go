package commands

import (
	"runtime"
	"runtime/debug"

	"github.com/solverbond/solverbond/internal/config"
	"github.com/solverbond/solverbond/internal/logging"
)

// Global CLI flags
var (
	// APIEndpoint is the daemon HTTP API base URL.
	APIEndpoint string

	// ConfigPath overrides the default config file location.
	ConfigPath string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string
)

// Build metadata, overridden at link time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// loadConfigQuiet loads configuration without failing the command; a missing
// or broken config file falls back to defaults.
func loadConfigQuiet() *config.Config {
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logging.Debug("config load failed, using defaults", "path", path, "error", err)
		return config.DefaultConfig()
	}
	return cfg
}

// GetAPIEndpoint returns the API endpoint from flag or config.
func GetAPIEndpoint() string {
	if APIEndpoint != "" {
		return APIEndpoint
	}
	cfg := loadConfigQuiet()
	return "http://" + cfg.API.ListenAddr
}

// GetKeystoreDir returns the keystore directory from config.
func GetKeystoreDir() string {
	return loadConfigQuiet().Daemon.KeystoreDir
}

// GetVersion returns the release version, falling back to module build info.
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit.
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version.
func GetGoVersion() string {
	return runtime.Version()
}
