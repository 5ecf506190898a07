package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateCamera,
		c.validateDecoder,
		c.validateTarget,
		c.validateScanner,
		c.validateShell,
		c.validateSink,
		c.validateSearch,
		c.validateServer,
		c.validateLogging,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateCamera() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera.width and camera.height must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS < 1 || c.Camera.FPS > 120 {
		return fmt.Errorf("camera.fps must be between 1 and 120, got %d", c.Camera.FPS)
	}
	if strings.TrimSpace(c.Camera.FFmpegBinary) == "" {
		return errors.New("camera.ffmpeg_binary must be set")
	}
	if c.Camera.StartupTimeoutMs < 500 {
		return fmt.Errorf("camera.startup_timeout_ms must be at least 500, got %d", c.Camera.StartupTimeoutMs)
	}
	return nil
}

func (c *Config) validateDecoder() error {
	switch c.Decoder.Prefer {
	case "", "auto", "native", "fallback":
	default:
		return fmt.Errorf("decoder.prefer must be auto, native or fallback, got %q", c.Decoder.Prefer)
	}
	if c.Decoder.NativeIntervalMs < 50 || c.Decoder.NativeIntervalMs > 2000 {
		return fmt.Errorf("decoder.native_interval_ms must be between 50 and 2000, got %d", c.Decoder.NativeIntervalMs)
	}
	if c.Decoder.DecodeTimeoutMs < 0 {
		return fmt.Errorf("decoder.decode_timeout_ms must not be negative, got %d", c.Decoder.DecodeTimeoutMs)
	}
	return nil
}

func (c *Config) validateTarget() error {
	if c.Target.WidthFraction <= 0 || c.Target.WidthFraction > 1 {
		return fmt.Errorf("target.width_fraction must be in (0, 1], got %v", c.Target.WidthFraction)
	}
	if c.Target.HeightFraction <= 0 || c.Target.HeightFraction > 1 {
		return fmt.Errorf("target.height_fraction must be in (0, 1], got %v", c.Target.HeightFraction)
	}
	if c.Target.FallbackMarginPx < 0 {
		return errors.New("target.fallback_margin_px must not be negative")
	}
	return nil
}

func (c *Config) validateScanner() error {
	if c.Scanner.MinDigits < 1 || c.Scanner.MaxDigits < c.Scanner.MinDigits {
		return fmt.Errorf("scanner.min_digits (%d) and max_digits (%d) must satisfy 1 <= min <= max", c.Scanner.MinDigits, c.Scanner.MaxDigits)
	}
	return nil
}

func (c *Config) validateShell() error {
	if strings.TrimSpace(c.Shell.CacheName) == "" {
		return errors.New("shell.cache_name must be set")
	}
	if c.Shell.CacheDir == "" {
		return errors.New("shell.cache_dir must be set")
	}
	if len(c.Shell.Manifest) == 0 {
		return errors.New("shell.manifest must list at least one resource")
	}
	for _, p := range c.Shell.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("shell.manifest entry %q must be an absolute path", p)
		}
	}
	if c.Shell.Origin != "" {
		u, err := url.Parse(c.Shell.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("shell.origin must be an http(s) URL, got %q", c.Shell.Origin)
		}
	}
	return nil
}

func (c *Config) validateSink() error {
	switch c.Sink.Driver {
	case "none":
		return nil
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("sink.driver must be sqlite, postgres or none, got %q", c.Sink.Driver)
	}
	if strings.TrimSpace(c.Sink.DSN) == "" {
		return fmt.Errorf("sink.dsn is required for driver %s", c.Sink.Driver)
	}
	if c.Sink.TTLMinutes <= 0 {
		return fmt.Errorf("sink.ttl_minutes must be positive, got %d", c.Sink.TTLMinutes)
	}
	if c.Sink.PerMinute < 0 {
		return fmt.Errorf("sink.per_minute must not be negative, got %d", c.Sink.PerMinute)
	}
	return nil
}

func (c *Config) validateSearch() error {
	u, err := url.Parse(c.Search.Marketplace)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("search.marketplace must be an absolute URL, got %q", c.Search.Marketplace)
	}
	return nil
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind must be host:port: %w", err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
