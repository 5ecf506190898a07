// Package scanner owns one scan session at a time: it acquires the camera,
// drives the decode loop, filters candidates and pauses on a new code.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/decoder"
	"github.com/tiroq/skaner/internal/diaglog"
	"github.com/tiroq/skaner/internal/feedback"
	"github.com/tiroq/skaner/internal/logging"
	"github.com/tiroq/skaner/internal/result"
	"github.com/tiroq/skaner/internal/statemachine"
	"github.com/tiroq/skaner/internal/target"
)

// User-facing hints.
const (
	HintAim         = "Skieruj aparat na kod EAN. Staraj się wypełnić ramkę."
	HintScanned     = "Zeskanowano. Możesz skopiować lub udostępnić kod."
	HintCleared     = "Wyczyść – zeskanuj ponownie."
	HintStopped     = "Skanowanie zatrzymane."
	HintStreamLost  = "Utracono obraz z kamery. Uruchom skanowanie ponownie."
	HintInvalidCode = "Kod musi mieć od 8 do 18 cyfr."
)

// Result sources.
const (
	SourceCamera = "camera"
	SourceManual = "manual"
)

const (
	defaultNativeInterval = 250 * time.Millisecond
	defaultDecodeTimeout  = 1500 * time.Millisecond
)

// ErrNoDevices is returned by SwitchDevice when nothing is enumerated.
var ErrNoDevices = errors.New("no capture devices")

// Options wires a Controller.
type Options struct {
	Session    *camera.Session
	Enumerator camera.Enumerator
	// Probe selects the decoder once per session start.
	Probe     func() decoder.Decoder
	Selector  target.Selector
	Tracker   *target.Tracker
	Debouncer *result.Debouncer
	Feedback  *feedback.Scheduler
	// Constraints carries resolution, fps and focus; the device is filled in.
	Constraints camera.Constraints
	// PreferredDevice matches a device path or a label substring.
	PreferredDevice string
	NativeInterval  time.Duration
	DecodeTimeout   time.Duration
	// SnapshotDir, when set, receives the frame of every accepted code.
	SnapshotDir string
	// OnResult runs for Accepted and Reoffered results, off the decode loop.
	OnResult func(result.ScanResult, result.Outcome)
	Version  string
	Logger   *slog.Logger
	Diag     *diaglog.Logger
}

// Controller is safe for concurrent use. Lifecycle operations are serialised.
type Controller struct {
	opts      Options
	session   *camera.Session
	enum      camera.Enumerator
	probe     func() decoder.Decoder
	selector  target.Selector
	tracker   *target.Tracker
	debouncer *result.Debouncer
	feedback  *feedback.Scheduler
	sm        *statemachine.StateMachine
	logger    *slog.Logger
	diag      *diaglog.Logger

	opMu sync.Mutex

	mu         sync.Mutex
	devices    []camera.Device
	index      int
	userPicked bool
	warmed     bool
	dec        decoder.Decoder
	gen        uint64
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	hint       string
	multiple   bool
	lastErr    error
	lastFrame  image.Image

	timeouts atomic.Int64
	autoOnce sync.Once
	bg       sync.WaitGroup

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	closed bool
}

// New builds a controller. Session, Enumerator and Probe are required.
func New(opts Options) (*Controller, error) {
	if opts.Session == nil || opts.Enumerator == nil || opts.Probe == nil {
		return nil, fmt.Errorf("scanner: session, enumerator and probe are required")
	}
	if opts.Tracker == nil {
		opts.Tracker = target.NewTracker(target.DefaultWidthFraction, target.DefaultHeightFraction)
	}
	if opts.Debouncer == nil {
		opts.Debouncer = result.NewDebouncer(result.Options{})
	}
	if opts.Feedback == nil {
		opts.Feedback = feedback.NewScheduler(feedback.Options{Logger: opts.Logger})
	}
	if opts.NativeInterval <= 0 {
		opts.NativeInterval = defaultNativeInterval
	}
	if opts.DecodeTimeout == 0 {
		opts.DecodeTimeout = defaultDecodeTimeout
	}
	return &Controller{
		opts:      opts,
		session:   opts.Session,
		enum:      opts.Enumerator,
		probe:     opts.Probe,
		selector:  opts.Selector,
		tracker:   opts.Tracker,
		debouncer: opts.Debouncer,
		feedback:  opts.Feedback,
		sm:        statemachine.NewStateMachine(opts.Diag),
		logger:    logging.NewComponentLogger(opts.Logger, "scanner"),
		diag:      opts.Diag,
		subs:      make(map[int]chan Snapshot),
	}, nil
}

// Refresh re-enumerates devices and re-selects the current one.
func (c *Controller) Refresh(ctx context.Context) error {
	devices, err := c.enum.Enumerate(ctx)
	if err != nil {
		c.logger.Warn("device enumeration failed", logging.Error(err))
		return err
	}
	c.mu.Lock()
	c.applyDevicesLocked(devices)
	count, idx := len(c.devices), c.index
	c.mu.Unlock()

	c.logger.Debug("devices enumerated", logging.Int("count", count), logging.Int("index", idx))
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCamera,
		Event:     diaglog.EventDevicesChanged,
		SessionID: c.sm.SessionID(),
		Payload:   map[string]interface{}{"count": count, "index": idx},
	})
	c.publish()
	return nil
}

func (c *Controller) applyDevicesLocked(devices []camera.Device) {
	prevPath := ""
	if c.index >= 0 && c.index < len(c.devices) {
		prevPath = c.devices[c.index].Path
	}
	hadDevices := len(c.devices) > 0
	c.devices = devices

	switch {
	case hadDevices && prevPath != "" && indexOfPath(devices, prevPath) >= 0:
		c.index = indexOfPath(devices, prevPath)
	case c.userPicked:
	case c.opts.PreferredDevice != "" && matchPreferred(devices, c.opts.PreferredDevice) >= 0:
		c.index = matchPreferred(devices, c.opts.PreferredDevice)
	default:
		c.index = camera.DefaultIndex(devices)
	}
	c.index = camera.ClampIndex(c.index, len(devices))
}

func indexOfPath(devices []camera.Device, path string) int {
	for i, d := range devices {
		if d.Path == path {
			return i
		}
	}
	return -1
}

func matchPreferred(devices []camera.Device, want string) int {
	want = strings.ToLower(strings.TrimSpace(want))
	for i, d := range devices {
		if strings.ToLower(d.Path) == want || strings.ToLower(d.ID) == want {
			return i
		}
	}
	for i, d := range devices {
		if strings.Contains(strings.ToLower(d.Label), want) {
			return i
		}
	}
	return -1
}

// AutoStart enumerates and starts scanning. Only the first call does
// anything; later calls return nil.
func (c *Controller) AutoStart(ctx context.Context) error {
	var err error
	c.autoOnce.Do(func() {
		_ = c.Refresh(ctx)
		err = c.Start(ctx)
	})
	return err
}

// Start acquires the current device and begins decoding. Calling it while a
// session is running does nothing.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.sm.Current().Running() {
		return nil
	}
	return c.startLocked(ctx, "start")
}

func (c *Controller) startLocked(ctx context.Context, reason string) error {
	sessionID, err := c.sm.BeginStart(reason)
	if err != nil {
		return err
	}
	c.debouncer.Clear()
	c.mu.Lock()
	c.lastErr = nil
	c.multiple = false
	cons := c.opts.Constraints
	if dev, ok := c.currentDeviceLocked(); ok {
		cons.DevicePath = dev.Path
		if dev.Facing != "" {
			cons.Facing = dev.Facing
		}
	}
	c.mu.Unlock()
	c.publish()

	stream, err := c.session.Acquire(ctx, cons)
	if err != nil {
		_ = c.sm.StartFailed(err)
		kind := camera.KindOf(err)
		c.mu.Lock()
		c.lastErr = err
		c.hint = kind.Message()
		c.mu.Unlock()
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentCamera,
			Event:     diaglog.EventStartFailed,
			SessionID: sessionID,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"kind": string(kind), "device": cons.DevicePath},
		})
		c.publish()
		return err
	}

	c.mu.Lock()
	warm := !c.warmed
	c.warmed = true
	c.mu.Unlock()
	if warm {
		// Labels can change once the device has been opened.
		_ = c.Refresh(ctx)
	}

	dec := c.probe()
	if err := c.sm.StartSucceeded(); err != nil {
		c.session.Release()
		dec.Reset()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.dec = dec
	c.loopCancel = cancel
	c.loopDone = done
	c.hint = HintAim
	c.mu.Unlock()

	go c.run(loopCtx, gen, stream, dec, done)

	dev := stream.Device()
	c.logger.Info("scan session started",
		logging.String(logging.FieldSessionID, sessionID),
		logging.String(logging.FieldDevice, dev.Path),
		logging.String("backend", string(dec.Kind())),
	)
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentScanner,
		Event:     diaglog.EventSessionStart,
		SessionID: sessionID,
		Reason:    reason,
		Payload:   map[string]interface{}{"device": dev.Path, "backend": string(dec.Kind())},
	})
	c.publish()
	return nil
}

func (c *Controller) currentDeviceLocked() (camera.Device, bool) {
	if len(c.devices) == 0 {
		return camera.Device{}, false
	}
	return c.devices[camera.ClampIndex(c.index, len(c.devices))], true
}

// Stop ends the session and releases the camera. It is safe in any state.
func (c *Controller) Stop(reason string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(reason, nil)
}

func (c *Controller) stopLocked(reason string, cause error) {
	c.mu.Lock()
	cancel, done, dec := c.loopCancel, c.loopDone, c.dec
	c.loopCancel, c.loopDone, c.dec = nil, nil, nil
	c.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.session.Release()
	if dec != nil {
		dec.Reset()
	}
	wasRunning := c.sm.Current().Running()
	c.mu.Lock()
	if cause != nil {
		c.lastErr = cause
		c.hint = HintStreamLost
	} else if wasRunning {
		c.hint = HintStopped
	}
	c.multiple = false
	c.mu.Unlock()
	c.sm.Stop(reason)

	if wasRunning {
		c.logger.Info("scan session stopped", logging.String("reason", reason))
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentScanner,
			Event:     diaglog.EventSessionStop,
			SessionID: c.sm.SessionID(),
			Reason:    reason,
		})
	}
	c.publish()
}

// streamLost stops the session that owned gen, unless it is already gone.
func (c *Controller) streamLost(gen uint64, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	current := c.gen == gen
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Warn("camera stream ended", logging.Error(err))
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCamera,
		Event:     diaglog.EventStreamLost,
		SessionID: c.sm.SessionID(),
		Reason:    errString(err),
	})
	if err == nil {
		err = &camera.Error{Kind: camera.Unknown, Err: errors.New("stream ended")}
	}
	c.stopLocked("stream lost", err)
}

// Resume returns from Paused to Scanning.
func (c *Controller) Resume() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.sm.Resume("resume"); err != nil {
		return err
	}
	c.mu.Lock()
	c.hint = HintAim
	c.mu.Unlock()
	c.publish()
	return nil
}

// Clear drops the current result and resumes scanning when paused.
func (c *Controller) Clear() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.debouncer.Clear()
	if c.sm.Current() == statemachine.Paused {
		_ = c.sm.Resume("clear")
	}
	c.mu.Lock()
	c.hint = HintCleared
	c.multiple = false
	c.mu.Unlock()
	c.publish()
}

// SwitchDevice moves to the next device, restarting a running session.
func (c *Controller) SwitchDevice(ctx context.Context) error {
	c.mu.Lock()
	n := len(c.devices)
	next := 0
	if n > 0 {
		next = (c.index + 1) % n
	}
	c.mu.Unlock()
	if n == 0 {
		return ErrNoDevices
	}
	return c.SelectDevice(ctx, next)
}

// SelectDevice makes index current. A running session is stopped and
// started again on the new device.
func (c *Controller) SelectDevice(ctx context.Context, index int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if len(c.devices) == 0 {
		c.mu.Unlock()
		return ErrNoDevices
	}
	prev := c.index
	c.index = camera.ClampIndex(index, len(c.devices))
	c.userPicked = true
	dev := c.devices[c.index]
	c.mu.Unlock()

	running := c.sm.Current().Running()
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCamera,
		Event:     diaglog.EventDeviceSwitch,
		SessionID: c.sm.SessionID(),
		Payload:   map[string]interface{}{"from": prev, "to": dev.Path, "running": running},
	})
	if !running {
		c.publish()
		return nil
	}
	c.stopLocked("switch device", nil)
	return c.startLocked(ctx, "switch device")
}

// SetTorch switches the torch; it does nothing without a capable stream.
func (c *Controller) SetTorch(ctx context.Context, on bool) bool {
	c.session.SetTorch(ctx, on)
	c.publish()
	return c.session.Torch()
}

// ToggleTorch flips the torch and returns the new state.
func (c *Controller) ToggleTorch(ctx context.Context) bool {
	return c.SetTorch(ctx, !c.session.Torch())
}

// Offer feeds a manually entered code through the same checks as a decoded
// one. An accepted code pauses a scanning session.
func (c *Controller) Offer(text string) (result.ScanResult, result.Outcome) {
	c.mu.Lock()
	res, outcome := c.debouncer.Offer(text, "", SourceManual)
	switch outcome {
	case result.Rejected:
		c.hint = HintInvalidCode
		c.mu.Unlock()
		c.publish()
		return res, outcome
	case result.Accepted:
		c.acceptLocked(res, nil)
	}
	c.mu.Unlock()
	c.afterResult(res, outcome)
	return res, outcome
}

// SetViewport records how the shell displays the video.
func (c *Controller) SetViewport(v target.Viewport) {
	c.tracker.Resize(v)
	c.publish()
}

// DecodeTimeouts counts ticks abandoned by the per-tick timeout.
func (c *Controller) DecodeTimeouts() int64 {
	return c.timeouts.Load()
}

// State returns the session state.
func (c *Controller) State() statemachine.State {
	return c.sm.Current()
}

// Close stops the session, waits for background work and ends every
// subscription.
func (c *Controller) Close() {
	c.Stop("close")
	c.bg.Wait()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		close(ch)
		delete(c.subs, id)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
