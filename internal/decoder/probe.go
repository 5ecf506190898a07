package decoder

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tiroq/skaner/internal/logging"
)

// Preference values accepted by Probe.
const (
	PreferAuto     = "auto"
	PreferNative   = "native"
	PreferFallback = "fallback"
)

// ProbeOptions controls backend selection.
type ProbeOptions struct {
	Prefer     string
	ZbarBinary string
	Logger     *slog.Logger
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Probe picks the backend for one scan session: the native detector when
// its binary is installed (unless the fallback is forced), otherwise a
// freshly constructed Fallback.
func Probe(opts ProbeOptions) Decoder {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	logger := logging.NewComponentLogger(opts.Logger, "decoder-probe")
	binary := strings.TrimSpace(opts.ZbarBinary)
	if binary == "" {
		binary = "zbarimg"
	}

	prefer := strings.ToLower(strings.TrimSpace(opts.Prefer))
	if prefer != PreferFallback {
		if path, err := lookPath(binary); err == nil {
			logger.Info("native decoder selected", logging.String("binary", path))
			return NewNative(path, opts.Logger)
		} else if prefer == PreferNative {
			logger.Warn("native decoder requested but unavailable; using fallback",
				logging.String("binary", binary), logging.Error(err))
		}
	}
	logger.Info("fallback decoder selected")
	return NewFallback(opts.Logger)
}

// ValidatePreference checks a configured preference string.
func ValidatePreference(p string) error {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case PreferAuto, PreferNative, PreferFallback, "":
		return nil
	}
	return fmt.Errorf("decoder preference must be auto, native or fallback, got %q", p)
}

// DecodeWithTimeout bounds a single decode attempt. When the timeout fires
// the attempt reports no candidates and its late result is dropped.
func DecodeWithTimeout(ctx context.Context, d Decoder, img image.Image, timeout time.Duration) ([]Candidate, bool) {
	cands, _, ok := DecodeBounded(ctx, d, img, timeout)
	return cands, ok
}

// DecodeBounded is DecodeWithTimeout for callers that must not start another
// attempt while an abandoned one is still running. finished is closed once
// the decoder call has returned; after a timeout that happens later.
func DecodeBounded(ctx context.Context, d Decoder, img image.Image, timeout time.Duration) (cands []Candidate, finished <-chan struct{}, ok bool) {
	done := make(chan struct{})
	if timeout <= 0 {
		cands = d.DecodeFrame(ctx, img)
		close(done)
		return cands, done, true
	}
	tickCtx, cancel := context.WithTimeout(ctx, timeout)

	out := make(chan []Candidate, 1)
	go func() {
		defer cancel()
		defer close(done)
		out <- d.DecodeFrame(tickCtx, img)
	}()

	select {
	case c := <-out:
		return c, done, true
	case <-tickCtx.Done():
		return nil, done, false
	}
}
