package testutil

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/decoder"
	"github.com/tiroq/skaner/internal/feedback"
)

// BlankFrame returns a small white image.
func BlankFrame() image.Image {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

// FakeStream is an in-memory camera.Stream.
type FakeStream struct {
	mu           sync.Mutex
	device       camera.Device
	frames       chan camera.Frame
	done         chan struct{}
	stopOnce     sync.Once
	torchCapable bool
	torch        bool
	torchCalls   int
	err          error
	seq          uint64
}

// NewFakeStream creates a running stream for device.
func NewFakeStream(device camera.Device, torchCapable bool) *FakeStream {
	return &FakeStream{
		device:       device,
		frames:       make(chan camera.Frame, 1),
		done:         make(chan struct{}),
		torchCapable: torchCapable,
	}
}

// Push offers a frame, replacing any unread one. It returns false once the
// stream has ended.
func (s *FakeStream) Push(img image.Image) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	s.seq++
	f := camera.Frame{Image: img, Seq: s.seq, At: time.Now()}
	s.mu.Unlock()
	for {
		select {
		case s.frames <- f:
			return true
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// Fail ends the stream with err, as if the device disappeared.
func (s *FakeStream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Stop()
}

func (s *FakeStream) Device() camera.Device       { return s.device }
func (s *FakeStream) Frames() <-chan camera.Frame { return s.frames }
func (s *FakeStream) TorchCapable() bool          { return s.torchCapable }
func (s *FakeStream) Done() <-chan struct{}       { return s.done }

func (s *FakeStream) ApplyTorch(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.torchCalls++
	if !s.torchCapable {
		return errors.New("torch not supported")
	}
	s.torch = on
	return nil
}

// Torch reports the last applied torch state.
func (s *FakeStream) Torch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torch
}

// TorchCalls counts ApplyTorch invocations.
func (s *FakeStream) TorchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torchCalls
}

func (s *FakeStream) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Stopped reports whether Stop ran.
func (s *FakeStream) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *FakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FakeSource opens FakeStreams and records every request.
type FakeSource struct {
	mu      sync.Mutex
	OpenErr error
	// Block makes Open wait until the context is done or the channel closes.
	Block        chan struct{}
	TorchCapable bool
	opens        []camera.Constraints
	streams      []*FakeStream
}

func (f *FakeSource) Open(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	f.mu.Lock()
	f.opens = append(f.opens, c)
	block, openErr := f.Block, f.OpenErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, &camera.Error{Kind: camera.Aborted, Device: c.DevicePath, Err: ctx.Err()}
		case <-block:
		}
	}
	if openErr != nil {
		return nil, openErr
	}
	dev := camera.Device{ID: filepath.Base(c.DevicePath), Label: filepath.Base(c.DevicePath), Path: c.DevicePath, Facing: c.Facing}
	s := NewFakeStream(dev, f.TorchCapable)
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

// SetOpenErr changes the error returned by later opens.
func (f *FakeSource) SetOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenErr = err
}

// Opens returns the constraints of every Open call.
func (f *FakeSource) Opens() []camera.Constraints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]camera.Constraints(nil), f.opens...)
}

// Streams returns every stream opened so far.
func (f *FakeSource) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.streams...)
}

// Last returns the newest stream or nil.
func (f *FakeSource) Last() *FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// FakeDecoder returns scripted candidates for every frame.
type FakeDecoder struct {
	mu     sync.Mutex
	kind   decoder.Kind
	result []decoder.Candidate
	// Delay stalls each call without honouring the context.
	Delay  time.Duration
	calls  int
	resets int

	inflight    int
	maxInflight int
}

// NewFakeDecoder creates a decoder of the given kind with no result.
func NewFakeDecoder(kind decoder.Kind) *FakeDecoder {
	return &FakeDecoder{kind: kind}
}

func (d *FakeDecoder) Kind() decoder.Kind { return d.kind }

func (d *FakeDecoder) DecodeFrame(context.Context, image.Image) []decoder.Candidate {
	d.mu.Lock()
	d.calls++
	d.inflight++
	if d.inflight > d.maxInflight {
		d.maxInflight = d.inflight
	}
	delay := d.Delay
	out := append([]decoder.Candidate(nil), d.result...)
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	d.mu.Lock()
	d.inflight--
	d.mu.Unlock()
	return out
}

func (d *FakeDecoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
}

// SetResult changes what later frames decode to.
func (d *FakeDecoder) SetResult(cands ...decoder.Candidate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.result = cands
}

// SetDelay changes the per-call stall.
func (d *FakeDecoder) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Delay = delay
}

// Calls counts DecodeFrame invocations.
func (d *FakeDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// MaxInflight is the highest number of DecodeFrame calls seen running at once.
func (d *FakeDecoder) MaxInflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInflight
}

// Resets counts Reset invocations.
func (d *FakeDecoder) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// RecordingSink collects feedback events.
type RecordingSink struct {
	mu     sync.Mutex
	events []feedback.Event
}

func (r *RecordingSink) Name() string { return "recording" }

func (r *RecordingSink) Emit(_ context.Context, ev feedback.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns the events received so far.
func (r *RecordingSink) Events() []feedback.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feedback.Event(nil), r.events...)
}

// Count returns the number of events received.
func (r *RecordingSink) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// EAN13 returns a boxed candidate centred at (cx, cy).
func EAN13(text string, cx, cy float64) decoder.Candidate {
	return decoder.Candidate{
		Text:   text,
		Format: decoder.FormatEAN13,
		Box:    &decoder.Box{X: cx - 50, Y: cy - 15, Width: 100, Height: 30},
	}
}
