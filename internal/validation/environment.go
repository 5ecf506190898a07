// Package validation runs the environment preflight used by `skaner serve`
// and `skaner check`.
package validation

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/config"
)

// minFFmpegMajor is the oldest ffmpeg with the v4l2 input options we pass.
const minFFmpegMajor = 4

// ValidationResult contains the result of one check.
type ValidationResult struct {
	Name     string
	OK       bool
	Message  string
	Issues   []string
	Warnings []string
	Fixes    []string
}

// Env holds the probes used by the checks. Zero fields use the real system.
type Env struct {
	LookPath   func(string) (string, error)
	Version    func(ctx context.Context, binary string) (string, error)
	Enumerator camera.Enumerator
}

func (e Env) withDefaults(cfg *config.Config) Env {
	if e.LookPath == nil {
		e.LookPath = exec.LookPath
	}
	if e.Version == nil {
		e.Version = commandVersion
	}
	if e.Enumerator == nil {
		e.Enumerator = camera.SysfsEnumerator{Root: cfg.Camera.SysfsRoot}
	}
	return e
}

// CheckEnvironment runs every check and reports whether all required ones passed.
func CheckEnvironment(ctx context.Context, cfg *config.Config, env Env) ([]*ValidationResult, bool) {
	env = env.withDefaults(cfg)
	results := []*ValidationResult{
		CheckFFmpeg(ctx, cfg.Camera.FFmpegBinary, env),
		CheckOptionalBinary("zbarimg", cfg.Decoder.ZbarBinary, env,
			"Native decoding disabled; the built-in fallback decoder will be used",
			"Install zbar-tools (apt install zbar-tools) for faster multi-code detection"),
		CheckOptionalBinary("v4l2-ctl", cfg.Camera.V4L2CtlBinary, env,
			"Autofocus and torch controls unavailable",
			"Install v4l-utils (apt install v4l-utils)"),
		CheckDevices(ctx, env.Enumerator),
	}
	if cfg.Decoder.Prefer == "native" {
		zbar := results[1]
		if len(zbar.Warnings) > 0 {
			zbar.OK = false
			zbar.Issues = append(zbar.Issues, "decoder.prefer is \"native\" but zbarimg is missing")
		}
	}

	ok := true
	for _, r := range results {
		if !r.OK {
			ok = false
		}
	}
	return results, ok
}

// CheckFFmpeg requires ffmpeg to be installed and recent enough.
func CheckFFmpeg(ctx context.Context, binary string, env Env) *ValidationResult {
	if binary == "" {
		binary = "ffmpeg"
	}
	result := &ValidationResult{Name: "ffmpeg", OK: true}
	path, err := env.LookPath(binary)
	if err != nil {
		result.OK = false
		result.Message = fmt.Sprintf("%s not found", binary)
		result.Issues = append(result.Issues, "Video capture requires ffmpeg")
		result.Fixes = append(result.Fixes, "Install ffmpeg (apt install ffmpeg) or set camera.ffmpeg_binary")
		return result
	}
	version, err := env.Version(ctx, path)
	if err != nil {
		result.Message = fmt.Sprintf("ffmpeg at %s (version unknown)", path)
		result.Warnings = append(result.Warnings, fmt.Sprintf("could not read version: %v", err))
		return result
	}
	vr := ValidateFFmpegVersion(version)
	vr.Name = result.Name
	if vr.OK {
		vr.Message = fmt.Sprintf("%s at %s", vr.Message, path)
	}
	return vr
}

// ValidateFFmpegVersion checks the first line of `ffmpeg -version`.
func ValidateFFmpegVersion(versionString string) *ValidationResult {
	result := &ValidationResult{OK: true}

	re := regexp.MustCompile(`version n?(\d+)\.(\d+)`)
	matches := re.FindStringSubmatch(versionString)
	if len(matches) < 3 {
		// Git builds report e.g. "version N-112123-g..." and are assumed current.
		result.Message = "ffmpeg version could not be parsed"
		result.Warnings = append(result.Warnings, strings.TrimSpace(firstLine(versionString)))
		return result
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])
	if major < minFFmpegMajor {
		result.OK = false
		result.Message = fmt.Sprintf("ffmpeg %d.%d is too old (requires %d.0+)", major, minor, minFFmpegMajor)
		result.Issues = append(result.Issues, result.Message)
		result.Fixes = append(result.Fixes, "Upgrade ffmpeg from your distribution or https://ffmpeg.org")
		return result
	}
	result.Message = fmt.Sprintf("ffmpeg %d.%d", major, minor)
	return result
}

// CheckOptionalBinary reports a missing helper as a warning only.
func CheckOptionalBinary(name, binary string, env Env, impact, fix string) *ValidationResult {
	if binary == "" {
		binary = name
	}
	result := &ValidationResult{Name: name, OK: true}
	path, err := env.LookPath(binary)
	if err != nil {
		result.Message = fmt.Sprintf("%s not found", binary)
		result.Warnings = append(result.Warnings, impact)
		result.Fixes = append(result.Fixes, fix)
		return result
	}
	result.Message = fmt.Sprintf("%s at %s", name, path)
	return result
}

// CheckDevices requires at least one capture device.
func CheckDevices(ctx context.Context, enum camera.Enumerator) *ValidationResult {
	result := &ValidationResult{Name: "devices", OK: true}
	devices, err := enum.Enumerate(ctx)
	if err != nil {
		result.OK = false
		result.Message = "device enumeration failed"
		result.Issues = append(result.Issues, err.Error())
		return result
	}
	if len(devices) == 0 {
		result.OK = false
		result.Message = camera.NoCameraLabel
		result.Issues = append(result.Issues, "No V4L2 capture device found")
		result.Fixes = append(result.Fixes, SuggestedFixes(camera.DeviceNotFound)...)
		return result
	}
	labels := make([]string, 0, len(devices))
	for _, d := range devices {
		labels = append(labels, d.Label)
	}
	result.Message = fmt.Sprintf("%d device(s): %s", len(devices), strings.Join(labels, ", "))
	return result
}

// SuggestedFixes returns troubleshooting steps for a camera failure kind.
func SuggestedFixes(kind camera.ErrorKind) []string {
	switch kind {
	case camera.PermissionDenied:
		return []string{
			"Add your user to the video group: sudo usermod -aG video $USER",
			"Log out and back in for the group change to apply",
		}
	case camera.DeviceNotFound:
		return []string{
			"Check the camera is connected: ls /dev/video*",
			"Run `skaner devices` to list what skaner can see",
		}
	case camera.DeviceBusy:
		return []string{
			"Close other applications using the camera",
			"Find the holder with: fuser /dev/video0",
		}
	case camera.ConstraintUnsatisfiable:
		return []string{
			"Lower camera.width / camera.height or camera.fps in the config",
			"List supported modes with: v4l2-ctl --list-formats-ext",
		}
	case camera.InsecureContext:
		return []string{
			"Open the scanner over https or from localhost",
			"Or set server.require_secure_remote = false",
		}
	}
	return []string{"Re-run with SKANER_DEBUG=true and check `skaner export-diag`"}
}

func commandVersion(ctx context.Context, binary string) (string, error) {
	out, err := exec.CommandContext(ctx, binary, "-version").Output()
	if err != nil {
		return "", err
	}
	return firstLine(string(out)), nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
