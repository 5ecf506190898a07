package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tiroq/skaner/internal/logging"
)

const (
	defaultStartupTimeout = 8 * time.Second
	maxFrameBytes         = 16 << 20
	stderrTail            = 4096
)

type commandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommandRunner struct{}

func (execCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

// FFmpegSource captures V4L2 devices through an ffmpeg MJPEG pipe and uses
// v4l2-ctl for focus and torch controls.
type FFmpegSource struct {
	FFmpegPath  string
	V4L2CtlPath string
	// InputFormat is passed to -input_format; empty lets ffmpeg choose.
	InputFormat    string
	Enumerator     Enumerator
	StartupTimeout time.Duration
	Logger         *slog.Logger

	runner commandRunner
}

// NewFFmpegSource returns a source with default tool names.
func NewFFmpegSource(enum Enumerator, logger *slog.Logger) *FFmpegSource {
	return &FFmpegSource{
		FFmpegPath:     "ffmpeg",
		V4L2CtlPath:    "v4l2-ctl",
		InputFormat:    "mjpeg",
		Enumerator:     enum,
		StartupTimeout: defaultStartupTimeout,
		Logger:         logging.NewComponentLogger(logger, "camera-ffmpeg"),
		runner:         execCommandRunner{},
	}
}

// Open starts ffmpeg and waits for the first frame.
func (s *FFmpegSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	c = c.WithDefaults()
	logger := s.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	dev, err := s.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := preflight(dev.Path); err != nil {
		return nil, Classify(dev.Path, err, "")
	}

	controls := s.listControls(ctx, dev.Path)
	if c.ContinuousFocus {
		s.enableAutofocus(ctx, dev.Path, controls)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	args := ffmpegArgs(dev.Path, s.InputFormat, c)
	cmd := exec.CommandContext(streamCtx, s.ffmpeg(), args...) //nolint:gosec
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 2 * time.Second
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, Classify(dev.Path, err, "")
	}
	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &Error{Kind: Unknown, Device: dev.Path, Err: fmt.Errorf("ffmpeg not installed: %w", err)}
		}
		return nil, Classify(dev.Path, err, "")
	}

	st := &ffmpegStream{
		device: dev,
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan Frame, 1),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		stderr: tail,
		runner: s.runner,
		ctl:    s.V4L2CtlPath,
		logger: logger,
	}
	if tc, ok := pickTorchControl(controls); ok && s.runner != nil {
		st.torch = &tc
	}
	go st.read(stdout)

	timeout := s.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-st.ready:
		logger.Info("camera stream started",
			logging.String(logging.FieldDevice, dev.Path),
			logging.String("label", dev.Label),
			logging.Bool("torch", st.torch != nil),
		)
		return st, nil
	case <-st.done:
		err := st.Err()
		if err == nil {
			err = errors.New("ffmpeg exited before the first frame")
		}
		return nil, Classify(dev.Path, err, tail.String())
	case <-ctx.Done():
		st.Stop()
		return nil, &Error{Kind: Aborted, Device: dev.Path, Err: ctx.Err()}
	case <-timer.C:
		stderr := tail.String()
		st.Stop()
		return nil, Classify(dev.Path, fmt.Errorf("no frame within %s", timeout), stderr)
	}
}

func (s *FFmpegSource) ffmpeg() string {
	if s.FFmpegPath == "" {
		return "ffmpeg"
	}
	return s.FFmpegPath
}

func (s *FFmpegSource) resolve(ctx context.Context, c Constraints) (Device, error) {
	if c.DevicePath != "" {
		return Device{ID: c.DevicePath, Label: c.DevicePath, Facing: FacingUnknown, Path: c.DevicePath}, nil
	}
	if s.Enumerator == nil {
		return Device{}, &Error{Kind: DeviceNotFound, Err: errors.New("no device selected")}
	}
	devices, err := s.Enumerator.Enumerate(ctx)
	if err != nil {
		return Device{}, Classify("", err, "")
	}
	if len(devices) == 0 {
		return Device{}, &Error{Kind: DeviceNotFound, Err: errors.New("no video devices")}
	}
	for _, d := range devices {
		if d.Facing == c.Facing {
			return d, nil
		}
	}
	return devices[DefaultIndex(devices)], nil
}

// preflight opens the node once so permission and presence errors carry
// their errno instead of ffmpeg's text.
func preflight(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

func ffmpegArgs(device, inputFormat string, c Constraints) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-f", "v4l2"}
	if inputFormat != "" {
		args = append(args, "-input_format", inputFormat)
	}
	args = append(args,
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-framerate", strconv.Itoa(c.FPS),
		"-i", device,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "5",
		"-",
	)
	return args
}

func (s *FFmpegSource) listControls(ctx context.Context, device string) map[string]bool {
	if s.runner == nil || s.V4L2CtlPath == "" {
		return nil
	}
	out, err := s.runner.Output(ctx, s.V4L2CtlPath, "-d", device, "--list-ctrls")
	if err != nil {
		if s.Logger != nil {
			s.Logger.Debug("v4l2-ctl unavailable; focus and torch disabled", logging.Error(err))
		}
		return nil
	}
	return parseControls(out)
}

func (s *FFmpegSource) enableAutofocus(ctx context.Context, device string, controls map[string]bool) {
	for _, name := range []string{"focus_automatic_continuous", "focus_auto"} {
		if !controls[name] {
			continue
		}
		if _, err := s.runner.Output(ctx, s.V4L2CtlPath, "-d", device, "--set-ctrl", name+"=1"); err != nil && s.Logger != nil {
			s.Logger.Debug("continuous focus not applied", logging.String("control", name), logging.Error(err))
		}
		return
	}
}

// parseControls collects control names from `v4l2-ctl --list-ctrls`.
func parseControls(out []byte) map[string]bool {
	controls := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.Contains(line, ":") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasSuffix(fields[0], ":") {
			continue
		}
		controls[fields[0]] = true
	}
	return controls
}

type torchControl struct {
	name, on, off string
}

func pickTorchControl(controls map[string]bool) (torchControl, bool) {
	switch {
	case controls["flash_led_mode"]:
		return torchControl{name: "flash_led_mode", on: "2", off: "0"}, true
	case controls["torch"]:
		return torchControl{name: "torch", on: "1", off: "0"}, true
	}
	return torchControl{}, false
}

type ffmpegStream struct {
	device Device
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan Frame
	ready  chan struct{}
	done   chan struct{}
	stderr *tailBuffer
	torch  *torchControl
	runner commandRunner
	ctl    string
	logger *slog.Logger

	stopOnce  sync.Once
	readyOnce sync.Once

	mu      sync.Mutex
	stopped bool
	err     error
}

func (s *ffmpegStream) Device() Device        { return s.device }
func (s *ffmpegStream) Frames() <-chan Frame  { return s.frames }
func (s *ffmpegStream) Done() <-chan struct{} { return s.done }
func (s *ffmpegStream) TorchCapable() bool    { return s.torch != nil }

func (s *ffmpegStream) ApplyTorch(ctx context.Context, on bool) error {
	if s.torch == nil {
		return nil
	}
	value := s.torch.off
	if on {
		value = s.torch.on
	}
	_, err := s.runner.Output(ctx, s.ctl, "-d", s.device.Path, "--set-ctrl", s.torch.name+"="+value)
	return err
}

func (s *ffmpegStream) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		<-s.done
	})
}

func (s *ffmpegStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ffmpegStream) read(stdout io.Reader) {
	defer close(s.done)

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 512<<10), maxFrameBytes)
	sc.Split(splitJPEG)

	var seq uint64
	for sc.Scan() {
		img, err := imaging.Decode(bytes.NewReader(sc.Bytes()))
		if err != nil {
			s.logger.Debug("dropping undecodable frame", logging.Error(err))
			continue
		}
		seq++
		offerLatest(s.frames, Frame{Image: img, Seq: seq, At: time.Now()})
		s.readyOnce.Do(func() { close(s.ready) })
	}
	scanErr := sc.Err()
	waitErr := s.cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	switch {
	case scanErr != nil:
		s.err = scanErr
	case waitErr != nil:
		s.err = waitErr
	default:
		s.err = errors.New("ffmpeg stream ended")
	}
	s.logger.Warn("camera stream ended",
		logging.String(logging.FieldDevice, s.device.Path),
		logging.Error(s.err),
		logging.String("stderr", s.stderr.String()),
	)
}

// splitJPEG yields one complete JPEG (SOI..EOI) per token.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	soi := bytes.Index(data, []byte{0xFF, 0xD8})
	if soi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	eoi := bytes.Index(data[soi+2:], []byte{0xFF, 0xD9})
	if eoi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return soi, nil, nil
	}
	end := soi + 2 + eoi + 2
	return end, data[soi:end], nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
