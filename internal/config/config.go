// Package config loads skaner's TOML configuration.
//
// Load starts from Default, overlays the file if it exists, expands paths
// and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Paths holds on-disk locations.
type Paths struct {
	// StateDir holds the pid file, IPC files, the user id and diagnostics.
	StateDir string `toml:"state_dir"`
}

// Camera configures capture.
type Camera struct {
	Device           string `toml:"device"`
	Width            int    `toml:"width"`
	Height           int    `toml:"height"`
	FPS              int    `toml:"fps"`
	ContinuousFocus  bool   `toml:"continuous_focus"`
	FFmpegBinary     string `toml:"ffmpeg_binary"`
	V4L2CtlBinary    string `toml:"v4l2ctl_binary"`
	InputFormat      string `toml:"input_format"`
	StartupTimeoutMs int    `toml:"startup_timeout_ms"`
	SysfsRoot        string `toml:"sysfs_root"`
}

// Decoder selects and bounds the decoder backend.
type Decoder struct {
	Prefer           string `toml:"prefer"`
	ZbarBinary       string `toml:"zbar_binary"`
	NativeIntervalMs int    `toml:"native_interval_ms"`
	DecodeTimeoutMs  int    `toml:"decode_timeout_ms"`
}

// Target sizes the aiming rectangle.
type Target struct {
	WidthFraction    float64 `toml:"width_fraction"`
	HeightFraction   float64 `toml:"height_fraction"`
	FallbackMarginPx float64 `toml:"fallback_margin_px"`
}

// Scanner configures result handling.
type Scanner struct {
	MinDigits         int    `toml:"min_digits"`
	MaxDigits         int    `toml:"max_digits"`
	ContinuousReoffer bool   `toml:"continuous_reoffer"`
	Autostart         bool   `toml:"autostart"`
	SnapshotDir       string `toml:"snapshot_dir"`
}

// Feedback configures the success cue.
type Feedback struct {
	ToneHz       int  `toml:"tone_hz"`
	ToneMs       int  `toml:"tone_ms"`
	VibrateMs    int  `toml:"vibrate_ms"`
	Flash        bool `toml:"flash"`
	TerminalBell bool `toml:"terminal_bell"`
}

// Shell configures the offline shell cache.
type Shell struct {
	CacheName string `toml:"cache_name"`
	CacheDir  string `toml:"cache_dir"`
	// Origin is an upstream base URL; empty serves the embedded shell.
	Origin     string   `toml:"origin"`
	Manifest   []string `toml:"manifest"`
	HotEntries int      `toml:"hot_entries"`
}

// Sink configures the price-request backend.
type Sink struct {
	Driver     string `toml:"driver"`
	DSN        string `toml:"dsn"`
	TTLMinutes int    `toml:"ttl_minutes"`
	PerMinute  int    `toml:"per_minute"`
}

// Search configures the marketplace link.
type Search struct {
	Marketplace string `toml:"marketplace"`
}

// Server configures the UI adapter.
type Server struct {
	Bind                string `toml:"bind"`
	RequireSecureRemote bool   `toml:"require_secure_remote"`
}

// Logging configures slog output and the diagnostic trail.
type Logging struct {
	Level       string `toml:"level"`
	Format      string `toml:"format"`
	Dir         string `toml:"dir"`
	Diagnostics bool   `toml:"diagnostics"`
}

// Config is the full configuration.
type Config struct {
	Paths    Paths    `toml:"paths"`
	Camera   Camera   `toml:"camera"`
	Decoder  Decoder  `toml:"decoder"`
	Target   Target   `toml:"target"`
	Scanner  Scanner  `toml:"scanner"`
	Feedback Feedback `toml:"feedback"`
	Shell    Shell    `toml:"shell"`
	Sink     Sink     `toml:"sink"`
	Search   Search   `toml:"search"`
	Server   Server   `toml:"server"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute default config file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses and validates a configuration file. It returns the
// config, the resolved path and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

func (c *Config) normalize() error {
	var err error
	for _, p := range []*string{&c.Paths.StateDir, &c.Shell.CacheDir, &c.Scanner.SnapshotDir, &c.Logging.Dir} {
		if *p, err = expandPath(strings.TrimSpace(*p)); err != nil {
			return err
		}
	}
	c.Decoder.Prefer = strings.ToLower(strings.TrimSpace(c.Decoder.Prefer))
	c.Sink.Driver = strings.ToLower(strings.TrimSpace(c.Sink.Driver))
	if c.Sink.Driver == "sqlite" && strings.HasPrefix(c.Sink.DSN, "~") {
		if c.Sink.DSN, err = expandPath(c.Sink.DSN); err != nil {
			return err
		}
	}
	c.Search.Marketplace = strings.TrimRight(strings.TrimSpace(c.Search.Marketplace), "/")
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	return nil
}

// EnsureDirectories creates the state directory and, when configured, the
// snapshot and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Shell.CacheDir, c.Scanner.SnapshotDir, c.Logging.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// PIDPath is the single-instance lock file.
func (c *Config) PIDPath() string { return filepath.Join(c.Paths.StateDir, "skaner.pid") }

// UserIDPath stores the persisted price-request user id.
func (c *Config) UserIDPath() string { return filepath.Join(c.Paths.StateDir, "user_id") }

// DiagLogPath is the NDJSON diagnostic trail.
func (c *Config) DiagLogPath() string { return filepath.Join(c.Paths.StateDir, "skaner-diag.ndjson") }

// NativeInterval is the native decoder poll period.
func (c *Config) NativeInterval() time.Duration {
	return time.Duration(c.Decoder.NativeIntervalMs) * time.Millisecond
}

// DecodeTimeout bounds one decode tick.
func (c *Config) DecodeTimeout() time.Duration {
	return time.Duration(c.Decoder.DecodeTimeoutMs) * time.Millisecond
}

// StartupTimeout bounds the wait for a stream's first frame.
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.Camera.StartupTimeoutMs) * time.Millisecond
}

// SinkTTL is how long a price request stays pending.
func (c *Config) SinkTTL() time.Duration {
	return time.Duration(c.Sink.TTLMinutes) * time.Minute
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules to other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes the default configuration to path.
func CreateSample(path string) error {
	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode sample config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	header := "# skaner configuration. Remove a key to fall back to its default.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
