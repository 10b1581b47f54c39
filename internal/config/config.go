// Package config layers built-in defaults, an optional YAML file, and CLI
// flags into one Config, generalizing the teacher's env-var-driven
// loadConfig() (cmd/server/main.go) into the three-layer scheme spec §6
// calls for: flags override YAML, which overrides defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in spec §6.
type Config struct {
	HookPort   int `yaml:"hookPort"`
	StreamPort int `yaml:"streamPort"`

	DebounceMs             int64 `yaml:"debounceMs"`
	PermissionDelayMs      int64 `yaml:"permissionDelayMs"`
	StaleCheckIntervalMs   int64 `yaml:"staleCheckIntervalMs"`
	StaleThresholdMs       int64 `yaml:"staleThresholdMs"`
	IdleDisplayThresholdMs int64 `yaml:"idleDisplayThresholdMs"`

	LogDir       string `yaml:"logDir"`
	GitCacheFile string `yaml:"gitCacheFile"`
	WatchDir     string `yaml:"watchDir"`
}

// Default returns the built-in defaults from spec §6.
func Default() Config {
	return Config{
		HookPort:               4451,
		StreamPort:             4450,
		DebounceMs:             200,
		PermissionDelayMs:      3000,
		StaleCheckIntervalMs:   10_000,
		StaleThresholdMs:       60_000,
		IdleDisplayThresholdMs: 3_600_000,
		LogDir:                 defaultStateDir("audit"),
		GitCacheFile:           filepath.Join(defaultStateDir(""), "git-cache.json"),
		WatchDir:               defaultWatchDir(),
	}
}

// ConfigDir returns ~/.config/sessiond, grounded on
// dotcommander-vybe/internal/app/config.go's ConfigDir.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sessiond"), nil
}

func defaultStateDir(sub string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".local", "state")
		}
	}
	dir := filepath.Join(base, "sessiond")
	if sub != "" {
		dir = filepath.Join(dir, sub)
	}
	return dir
}

func defaultWatchDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".claude", "projects")
	}
	return ""
}

// EnsureConfigDir creates the config directory and a commented default
// config.yaml on first run, grounded on dotcommander-vybe's
// EnsureConfigDir/defaultConfig pattern.
func EnsureConfigDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o600); err != nil {
			return "", err
		}
	}
	return path, nil
}

const defaultConfigYAML = `# sessiond configuration
# Run: sessiond --help

# hookPort: 4451
# streamPort: 4450
# debounceMs: 200
# permissionDelayMs: 3000
# staleCheckIntervalMs: 10000
# staleThresholdMs: 60000
# idleDisplayThresholdMs: 3600000
# logDir: ~/.local/state/sessiond/audit
# gitCacheFile: ~/.local/state/sessiond/git-cache.json
# watchDir: ~/.claude/projects
`

// LoadYAML reads path and merges any set fields onto cfg. A missing file
// is not an error — it just means "use defaults/flags". A file that cannot
// be read or parsed is returned as an error.
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c Config) PermissionDelay() time.Duration {
	return time.Duration(c.PermissionDelayMs) * time.Millisecond
}

func (c Config) CoalesceDelay() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c Config) StaleCheckInterval() time.Duration {
	return time.Duration(c.StaleCheckIntervalMs) * time.Millisecond
}

func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}
