package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/decoder"
	"github.com/tiroq/skaner/internal/feedback"
	"github.com/tiroq/skaner/internal/result"
	"github.com/tiroq/skaner/internal/statemachine"
	"github.com/tiroq/skaner/internal/target"
	"github.com/tiroq/skaner/testutil"
)

const waitFor = 2 * time.Second

type harness struct {
	ctrl *Controller
	src  *testutil.FakeSource
	dec  *testutil.FakeDecoder
	sink *testutil.RecordingSink
}

func newHarness(t *testing.T, kind decoder.Kind, mutate func(*Options), devices ...camera.Device) *harness {
	t.Helper()
	if devices == nil {
		devices = []camera.Device{{ID: "video0", Label: "Kamera 1", Path: "/dev/video0"}}
	}
	src := &testutil.FakeSource{TorchCapable: true}
	dec := testutil.NewFakeDecoder(kind)
	sink := &testutil.RecordingSink{}
	fb := feedback.NewScheduler(feedback.Options{}, sink)
	fb.Start()
	t.Cleanup(fb.Stop)

	opts := Options{
		Session:        camera.NewSession(src, nil),
		Enumerator:     camera.StaticEnumerator(devices),
		Probe:          func() decoder.Decoder { return dec },
		Selector:       target.Selector{Margin: target.DefaultMargin},
		Feedback:       fb,
		NativeInterval: 10 * time.Millisecond,
		DecodeTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ctrl, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ctrl.Close)
	return &harness{ctrl: ctrl, src: src, dec: dec, sink: sink}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	testutil.AssertState(t, h.ctrl.State, statemachine.Scanning, waitFor)
}

func (h *harness) push(t *testing.T) {
	t.Helper()
	if !h.src.Last().Push(testutil.BlankFrame()) {
		t.Fatal("stream already stopped")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAcceptPausesAndSchedulesFeedback(t *testing.T) {
	for _, kind := range []decoder.Kind{decoder.KindNative, decoder.KindFallback} {
		t.Run(string(kind), func(t *testing.T) {
			var mu sync.Mutex
			var outcomes []result.Outcome
			h := newHarness(t, kind, func(o *Options) {
				o.OnResult = func(_ result.ScanResult, out result.Outcome) {
					mu.Lock()
					outcomes = append(outcomes, out)
					mu.Unlock()
				}
			})
			h.start(t)

			h.dec.SetResult(testutil.EAN13("5901234123457", 32, 24))
			h.push(t)
			testutil.AssertState(t, h.ctrl.State, statemachine.Paused, waitFor)

			snap := h.ctrl.Snapshot()
			if snap.Result == nil || snap.Result.Code != "5901234123457" || snap.Result.Type != "EAN-13" {
				t.Fatalf("result = %+v", snap.Result)
			}
			if snap.Hint != HintScanned || snap.Backend != kind {
				t.Errorf("hint = %q backend = %q", snap.Hint, snap.Backend)
			}
			testutil.WaitForCondition(t, func() bool { return h.sink.Count() == 1 }, waitFor, "feedback cycle")
			testutil.WaitForCondition(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(outcomes) == 1 && outcomes[0] == result.Accepted
			}, waitFor, "OnResult")
		})
	}
}

func TestSameCodeTwiceGivesOneFeedbackCycle(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	h.start(t)

	h.dec.SetResult(testutil.EAN13("5901234123457", 32, 24))
	h.push(t)
	testutil.AssertState(t, h.ctrl.State, statemachine.Paused, waitFor)

	if err := h.ctrl.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	calls := h.dec.Calls()
	h.push(t)
	testutil.WaitForCondition(t, func() bool { return h.dec.Calls() > calls }, waitFor, "second decode")

	time.Sleep(50 * time.Millisecond)
	if got := h.ctrl.State(); got != statemachine.Scanning {
		t.Errorf("state = %s, want scanning after duplicate", got)
	}
	if got := h.sink.Count(); got != 1 {
		t.Errorf("feedback cycles = %d, want 1", got)
	}
}

func TestStartFailureStopsAndRetries(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	h.src.SetOpenErr(&camera.Error{Kind: camera.PermissionDenied, Err: errors.New("denied")})

	_ = h.ctrl.Refresh(context.Background())
	err := h.ctrl.Start(context.Background())
	if camera.KindOf(err) != camera.PermissionDenied {
		t.Fatalf("Start err = %v", err)
	}
	if got := h.ctrl.State(); got != statemachine.Stopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	snap := h.ctrl.Snapshot()
	if snap.ErrorKind != camera.PermissionDenied || snap.Hint != camera.PermissionDenied.Message() {
		t.Errorf("snapshot = %+v", snap)
	}
	if h.dec.Resets() != 0 {
		t.Errorf("decoder should not be probed on a failed start")
	}

	h.src.SetOpenErr(nil)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if got := h.ctrl.State(); got != statemachine.Scanning {
		t.Errorf("state = %s after retry", got)
	}
	if h.ctrl.Snapshot().LastError != "" {
		t.Error("last error should clear on a successful start")
	}
}

func TestSwitchDeviceLeavesExactlyOneStream(t *testing.T) {
	devices := []camera.Device{
		{ID: "video0", Label: "Front Camera", Path: "/dev/video0"},
		{ID: "video2", Label: "Back Camera", Path: "/dev/video2"},
	}
	h := newHarness(t, decoder.KindFallback, nil, devices...)
	h.start(t)

	if got := h.src.Opens()[0].DevicePath; got != "/dev/video2" {
		t.Fatalf("first open on %s, want the back camera", got)
	}

	if err := h.ctrl.SwitchDevice(context.Background()); err != nil {
		t.Fatalf("SwitchDevice: %v", err)
	}
	streams := h.src.Streams()
	if len(streams) != 2 {
		t.Fatalf("streams = %d", len(streams))
	}
	if !streams[0].Stopped() || streams[1].Stopped() {
		t.Errorf("stopped = %v/%v, want true/false", streams[0].Stopped(), streams[1].Stopped())
	}
	if got := h.src.Opens()[1].DevicePath; got != "/dev/video0" {
		t.Errorf("second open on %s", got)
	}
	if h.dec.Resets() != 1 {
		t.Errorf("decoder resets = %d, want 1", h.dec.Resets())
	}
	if h.ctrl.State() != statemachine.Scanning || h.ctrl.Snapshot().DeviceIndex != 0 {
		t.Errorf("snapshot = %+v", h.ctrl.Snapshot())
	}
}

func TestSelectDeviceWhileIdleDoesNotOpen(t *testing.T) {
	devices := []camera.Device{
		{ID: "video0", Label: "Camera 0", Path: "/dev/video0"},
		{ID: "video1", Label: "Camera 1", Path: "/dev/video1"},
	}
	h := newHarness(t, decoder.KindFallback, nil, devices...)
	_ = h.ctrl.Refresh(context.Background())
	if idx := h.ctrl.Snapshot().DeviceIndex; idx != 1 {
		t.Fatalf("default index = %d, want last", idx)
	}
	if err := h.ctrl.SelectDevice(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if len(h.src.Opens()) != 0 {
		t.Error("idle SelectDevice must not open a stream")
	}
	_ = h.ctrl.Refresh(context.Background())
	if idx := h.ctrl.Snapshot().DeviceIndex; idx != 0 {
		t.Errorf("refresh overrode the picked device: %d", idx)
	}
}

func TestSwitchDeviceWithoutDevices(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil, []camera.Device{}...)
	if err := h.ctrl.SwitchDevice(context.Background()); !errors.Is(err, ErrNoDevices) {
		t.Fatalf("err = %v", err)
	}
	if got := h.ctrl.Snapshot().DeviceLabel; got != camera.NoCameraLabel {
		t.Errorf("label = %q", got)
	}
}

func TestStopResetsDecoderOnce(t *testing.T) {
	h := newHarness(t, decoder.KindNative, nil)
	h.start(t)
	stream := h.src.Last()

	h.ctrl.Stop("test")
	h.ctrl.Stop("test again")

	if h.ctrl.State() != statemachine.Stopped {
		t.Errorf("state = %s", h.ctrl.State())
	}
	if !stream.Stopped() {
		t.Error("stream not released")
	}
	if h.dec.Resets() != 1 {
		t.Errorf("resets = %d, want 1", h.dec.Resets())
	}
	if h.ctrl.Snapshot().Hint != HintStopped {
		t.Errorf("hint = %q", h.ctrl.Snapshot().Hint)
	}
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	h.start(t)
	h.dec.SetDelay(100 * time.Millisecond)
	h.dec.SetResult(testutil.EAN13("5901234123457", 32, 24))
	h.push(t)
	testutil.WaitForCondition(t, func() bool { return h.dec.Calls() == 1 }, waitFor, "decode started")

	h.ctrl.Stop("user")
	time.Sleep(200 * time.Millisecond)

	if snap := h.ctrl.Snapshot(); snap.Result != nil {
		t.Errorf("late result leaked: %+v", snap.Result)
	}
	if h.sink.Count() != 0 {
		t.Errorf("feedback for a discarded result")
	}
}

func TestDecodeTimeoutKeepsScanning(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, func(o *Options) {
		o.DecodeTimeout = 20 * time.Millisecond
	})
	h.start(t)
	h.dec.SetDelay(150 * time.Millisecond)
	h.dec.SetResult(testutil.EAN13("5901234123457", 32, 24))
	h.push(t)

	testutil.WaitForCondition(t, func() bool { return h.ctrl.DecodeTimeouts() >= 1 }, waitFor, "timeout counted")
	time.Sleep(200 * time.Millisecond)
	if h.ctrl.State() != statemachine.Scanning {
		t.Errorf("state = %s", h.ctrl.State())
	}
	if h.ctrl.Snapshot().Result != nil {
		t.Error("timed-out tick must not produce a result")
	}

	h.dec.SetDelay(0)
	h.push(t)
	testutil.AssertState(t, h.ctrl.State, statemachine.Paused, waitFor)
}

func TestStreamLostStopsSession(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	h.start(t)

	h.src.Last().Fail(&camera.Error{Kind: camera.DeviceNotFound, Err: errors.New("unplugged")})
	testutil.AssertState(t, h.ctrl.State, statemachine.Stopped, waitFor)

	testutil.WaitForCondition(t, func() bool { return h.dec.Resets() == 1 }, waitFor, "decoder reset")
	snap := h.ctrl.Snapshot()
	if snap.ErrorKind != camera.DeviceNotFound || snap.Hint != HintStreamLost {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStartIsIdempotentAndAutoStartOnce(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ctrl.AutoStart(context.Background())
		}()
	}
	wg.Wait()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(h.src.Opens()); n != 1 {
		t.Errorf("opens = %d, want 1", n)
	}

	h.ctrl.Stop("user")
	if err := h.ctrl.AutoStart(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.ctrl.State() != statemachine.Stopped {
		t.Error("second AutoStart must not start again")
	}
}

func TestManualOffer(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)

	res, out := h.ctrl.Offer("590123412345")
	if out != result.Accepted || res.Type != "UPC-A" || res.Source != SourceManual {
		t.Fatalf("Offer = %+v, %s", res, out)
	}
	if h.ctrl.State() != statemachine.Idle {
		t.Errorf("manual entry must not change an idle session: %s", h.ctrl.State())
	}

	_, out = h.ctrl.Offer("12345")
	if out != result.Rejected {
		t.Errorf("short code outcome = %s", out)
	}
	snap := h.ctrl.Snapshot()
	if snap.Result == nil || snap.Result.Code != "590123412345" || snap.Hint != HintInvalidCode {
		t.Errorf("snapshot after reject = %+v", snap)
	}

	if _, out = h.ctrl.Offer("590-1234-12345"); out != result.Duplicate {
		t.Errorf("repeat outcome = %s", out)
	}
	testutil.WaitForCondition(t, func() bool { return h.sink.Count() == 1 }, waitFor, "one feedback cycle")
}

func TestManualOfferPausesScanning(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	h.start(t)
	if _, out := h.ctrl.Offer("5901234123457"); out != result.Accepted {
		t.Fatalf("outcome = %s", out)
	}
	if h.ctrl.State() != statemachine.Paused {
		t.Errorf("state = %s", h.ctrl.State())
	}
}

func TestClearResumesScanning(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	h.start(t)
	h.dec.SetResult(testutil.EAN13("5901234123457", 32, 24))
	h.push(t)
	testutil.AssertState(t, h.ctrl.State, statemachine.Paused, waitFor)

	h.dec.SetResult()
	h.ctrl.Clear()
	snap := h.ctrl.Snapshot()
	if snap.State != statemachine.Scanning || snap.Result != nil || snap.Hint != HintCleared {
		t.Errorf("snapshot = %+v", snap)
	}

	if err := h.ctrl.Resume(); !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Errorf("Resume while scanning = %v", err)
	}
}

func TestMultipleCandidatesPreferTarget(t *testing.T) {
	h := newHarness(t, decoder.KindNative, nil)
	h.start(t)

	h.dec.SetResult(
		testutil.EAN13("4006381333931", 500, 500),
		testutil.EAN13("5901234123457", 32, 24),
	)
	h.push(t)
	testutil.AssertState(t, h.ctrl.State, statemachine.Paused, waitFor)

	snap := h.ctrl.Snapshot()
	if snap.Result == nil || snap.Result.Code != "5901234123457" {
		t.Fatalf("result = %+v", snap.Result)
	}
	if snap.Advisory != target.MultipleAdvisory {
		t.Errorf("advisory = %q", snap.Advisory)
	}
	if snap.Region == nil {
		t.Error("region should be known after the first frame")
	}
}

func TestTorch(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	if h.ctrl.ToggleTorch(context.Background()) {
		t.Error("torch cannot turn on without a stream")
	}
	h.start(t)

	if !h.ctrl.ToggleTorch(context.Background()) || !h.src.Last().Torch() {
		t.Error("torch should be on")
	}
	if h.ctrl.ToggleTorch(context.Background()) {
		t.Error("torch should be off")
	}
	if !h.ctrl.Snapshot().TorchCapable {
		t.Error("snapshot should report torch capability")
	}
}

func TestTorchUnsupportedIsNoop(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	h.src.TorchCapable = false
	h.start(t)
	if h.ctrl.SetTorch(context.Background(), true) {
		t.Error("torch reported on for an incapable stream")
	}
	if h.src.Last().TorchCalls() != 0 {
		t.Error("ApplyTorch should not be called")
	}
}

func TestSubscribeDeliversLatest(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	ch, cancel := h.ctrl.Subscribe()
	defer cancel()

	first := <-ch
	if first.State != statemachine.Idle {
		t.Errorf("initial state = %s", first.State)
	}
	h.start(t)

	deadline := time.After(waitFor)
	for {
		select {
		case snap := <-ch:
			if snap.State == statemachine.Scanning {
				return
			}
		case <-deadline:
			t.Fatal("no scanning snapshot delivered")
		}
	}
}

func TestStuckDecoderIsNeverCalledConcurrently(t *testing.T) {
	h := newHarness(t, decoder.KindNative, func(o *Options) {
		o.DecodeTimeout = 20 * time.Millisecond
	})
	h.start(t)
	h.dec.SetDelay(300 * time.Millisecond)

	for i := 0; i < 20; i++ {
		h.push(t)
		time.Sleep(15 * time.Millisecond)
	}
	testutil.WaitForCondition(t, func() bool { return h.dec.Calls() >= 2 }, waitFor, "decode after the stuck call returned")

	if got := h.dec.MaxInflight(); got != 1 {
		t.Errorf("max concurrent decodes = %d, want 1", got)
	}
	if h.ctrl.DecodeTimeouts() < 1 {
		t.Error("stuck decode not counted as a timeout")
	}
	if got := h.dec.Calls(); got > 3 {
		t.Errorf("calls = %d; ticks during a stuck decode must be skipped", got)
	}
}

func TestCloseDropsPendingSnapshot(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	ch, _ := h.ctrl.Subscribe()
	h.ctrl.Close()
	if _, ok := <-ch; ok {
		t.Error("buffered snapshot delivered after Close")
	}
}

func TestSubscribeRacingClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, decoder.KindFallback, nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, _ := h.ctrl.Subscribe()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			h.ctrl.Close()
		}()
		wg.Wait()
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	h := newHarness(t, decoder.KindFallback, nil)
	ch, _ := h.ctrl.Subscribe()
	<-ch
	h.ctrl.Close()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	late, _ := h.ctrl.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing after Close should yield a closed channel")
	}
}

func TestSnapshotWrittenOnAccept(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, decoder.KindFallback, func(o *Options) { o.SnapshotDir = dir })
	h.start(t)
	h.dec.SetResult(testutil.EAN13("5901234123457", 32, 24))
	h.push(t)
	testutil.AssertState(t, h.ctrl.State, statemachine.Paused, waitFor)
	h.ctrl.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var jpg, meta bool
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), "_5901234123457.jpg"):
			jpg = true
		case filepath.Ext(e.Name()) == ".json":
			meta = true
		}
	}
	if !jpg || !meta {
		t.Errorf("snapshot files = %v", entries)
	}
}

func TestPreferredDevice(t *testing.T) {
	devices := []camera.Device{
		{ID: "video0", Label: "Integrated Webcam", Path: "/dev/video0"},
		{ID: "video2", Label: "USB Document Camera", Path: "/dev/video2"},
		{ID: "video4", Label: "Back Camera", Path: "/dev/video4"},
	}
	h := newHarness(t, decoder.KindFallback, func(o *Options) { o.PreferredDevice = "document" }, devices...)
	_ = h.ctrl.Refresh(context.Background())
	if idx := h.ctrl.Snapshot().DeviceIndex; idx != 1 {
		t.Errorf("index = %d, want preferred device", idx)
	}
}
