package traybar

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a [time.Duration] that decodes from TOML strings like
// "200ms" or "30s".
type Duration time.Duration

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the traybar configuration. The duration and count fields
// are empirically chosen defaults carried from long-running use, exposed
// as configuration rather than hard-coded invariants.
type Config struct {
	// MaxCacheSize is the image cache entry cap.
	MaxCacheSize int `toml:"max_cache_size"`

	// DiskCacheMaxAge is the freshness window of the disk snapshot.
	DiskCacheMaxAge Duration `toml:"disk_cache_max_age"`

	// CaptureMoveRecency is the window after an item move during which
	// capture switches to the individual path.
	CaptureMoveRecency Duration `toml:"capture_move_recency"`

	// UpdateMoveRecency is the window after an item move during which
	// guarded cache updates are suppressed.
	UpdateMoveRecency Duration `toml:"update_move_recency"`

	// Debounce is the recapture debounce interval.
	Debounce Duration `toml:"debounce"`

	// FailureLimit is the consecutive-failure count that blacklists an
	// item.
	FailureLimit int `toml:"failure_limit"`

	// FailureCooldown is how long a blacklisted item is skipped.
	FailureCooldown Duration `toml:"failure_cooldown"`

	// CachePath is the disk snapshot location. Empty selects the default
	// under the user cache directory.
	CachePath string `toml:"cache_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:       200,
		DiskCacheMaxAge:    Duration(DiskCacheMaxAge),
		CaptureMoveRecency: Duration(2 * time.Second),
		UpdateMoveRecency:  Duration(time.Second),
		Debounce:           Duration(DefaultDebounce),
		FailureLimit:       3,
		FailureCooldown:    Duration(30 * time.Second),
	}
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "traybar", "config.toml"), nil
}

// DefaultCachePath returns the default disk snapshot location.
func DefaultCachePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "traybar", "images.json"), nil
}

// LoadConfig reads the config file at path, overlaying it on the
// defaults. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	if cfg.CachePath, err = expandHome(cfg.CachePath); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	if err := ValidateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// expandHome expands a leading "~/" in path to the user home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

// ValidateConfig checks the configuration for values that would break the
// cache invariants.
func ValidateConfig(cfg Config) error {
	if cfg.MaxCacheSize <= 0 {
		return fmt.Errorf("config: max_cache_size must be positive, got %d", cfg.MaxCacheSize)
	}
	if cfg.FailureLimit <= 0 {
		return fmt.Errorf("config: failure_limit must be positive, got %d", cfg.FailureLimit)
	}
	for name, d := range map[string]Duration{
		"disk_cache_max_age":   cfg.DiskCacheMaxAge,
		"capture_move_recency": cfg.CaptureMoveRecency,
		"update_move_recency":  cfg.UpdateMoveRecency,
		"debounce":             cfg.Debounce,
		"failure_cooldown":     cfg.FailureCooldown,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d.Std())
		}
	}
	return nil
}

// PipelineOptions derives capture pipeline options from the config.
func (c Config) PipelineOptions() PipelineOptions {
	return PipelineOptions{
		FailureLimit:    c.FailureLimit,
		FailureCooldown: c.FailureCooldown.Std(),
		MoveRecency:     c.CaptureMoveRecency.Std(),
	}
}

// CacheOptions derives image cache options from the config.
func (c Config) CacheOptions() CacheOptions {
	return CacheOptions{
		MaxSize:           c.MaxCacheSize,
		UpdateMoveRecency: c.UpdateMoveRecency.Std(),
	}
}
