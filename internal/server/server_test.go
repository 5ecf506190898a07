package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/decoder"
	"github.com/tiroq/skaner/internal/feedback"
	"github.com/tiroq/skaner/internal/ipc"
	"github.com/tiroq/skaner/internal/scanner"
	"github.com/tiroq/skaner/internal/statemachine"
	"github.com/tiroq/skaner/internal/target"
	"github.com/tiroq/skaner/testutil"
)

const waitFor = 2 * time.Second

type recordingSubmitter struct {
	mu    sync.Mutex
	codes []string
}

func (r *recordingSubmitter) Submit(_ context.Context, code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	return true
}

type fixture struct {
	srv  *Server
	ctrl *scanner.Controller
	src  *testutil.FakeSource
	dec  *testutil.FakeDecoder
	sink *recordingSubmitter
	fb   *feedback.Scheduler
	quit chan struct{}
}

func newFixture(t *testing.T, mutate func(*Options), devices ...camera.Device) *fixture {
	t.Helper()
	if devices == nil {
		devices = []camera.Device{{ID: "video0", Label: "Kamera 1", Path: "/dev/video0"}}
	}
	src := &testutil.FakeSource{TorchCapable: true}
	dec := testutil.NewFakeDecoder(decoder.KindNative)
	fb := feedback.NewScheduler(feedback.Options{})
	fb.Start()
	t.Cleanup(fb.Stop)

	ctrl, err := scanner.New(scanner.Options{
		Session:        camera.NewSession(src, nil),
		Enumerator:     camera.StaticEnumerator(devices),
		Probe:          func() decoder.Decoder { return dec },
		Selector:       target.Selector{Margin: target.DefaultMargin},
		Feedback:       fb,
		NativeInterval: 10 * time.Millisecond,
		DecodeTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("scanner.New: %v", err)
	}
	t.Cleanup(ctrl.Close)
	if err := ctrl.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sink := &recordingSubmitter{}
	quit := make(chan struct{}, 1)
	opts := Options{
		Controller:  ctrl,
		Sink:        sink,
		Marketplace: "https://allegro.pl",
		Shell: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("shell:" + r.URL.Path))
		}),
		OnQuit: func() { quit <- struct{}{} },
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{srv: srv, ctrl: ctrl, src: src, dec: dec, sink: sink, fb: fb, quit: quit}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestNewRequiresController(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestStatusIdle(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["state"] != string(statemachine.Idle) || body["device_label"] != "Kamera 1" {
		t.Errorf("body = %v", body)
	}
}

func TestStartManualAndSearch(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body.String())
	}
	testutil.AssertState(t, f.ctrl.State, statemachine.Scanning, waitFor)

	rec = f.do(t, http.MethodPost, "/api/manual", `{"code":"5901234123457"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("manual = %d %s", rec.Code, rec.Body.String())
	}
	var manual manualResponse
	decodeJSON(t, rec, &manual)
	if manual.Outcome != "accepted" || manual.Result.Code != "5901234123457" {
		t.Errorf("manual = %+v", manual)
	}
	testutil.AssertState(t, f.ctrl.State, statemachine.Paused, waitFor)

	rec = f.do(t, http.MethodGet, "/api/search", "")
	var link map[string]string
	decodeJSON(t, rec, &link)
	if link["url"] != "https://allegro.pl/listing?string=5901234123457&order=qd" {
		t.Errorf("search = %v", link)
	}

	rec = f.do(t, http.MethodGet, "/api/status", "")
	var status map[string]any
	decodeJSON(t, rec, &status)
	if status["search_url"] != link["url"] {
		t.Errorf("status search_url = %v", status["search_url"])
	}

	if rec := f.do(t, http.MethodPost, "/api/resume", ""); rec.Code != http.StatusOK {
		t.Errorf("resume = %d", rec.Code)
	}
	testutil.AssertState(t, f.ctrl.State, statemachine.Scanning, waitFor)
	if rec := f.do(t, http.MethodPost, "/api/resume", ""); rec.Code != http.StatusConflict {
		t.Errorf("second resume = %d", rec.Code)
	}

	f.do(t, http.MethodPost, "/api/stop", "")
	testutil.AssertState(t, f.ctrl.State, statemachine.Stopped, waitFor)
}

func TestManualRejectsShortCode(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/manual", `{"code":"123"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("manual = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/manual", `{"code":`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed = %d", rec.Code)
	}
}

func TestStartFailureReportsKind(t *testing.T) {
	f := newFixture(t, nil)
	f.src.SetOpenErr(&camera.Error{Kind: camera.PermissionDenied, Device: "/dev/video0", Err: errors.New("denied")})
	rec := f.do(t, http.MethodPost, "/api/start", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("start = %d", rec.Code)
	}
	var body apiError
	decodeJSON(t, rec, &body)
	if body.Kind != camera.PermissionDenied || body.Message != camera.PermissionDenied.Message() {
		t.Errorf("body = %+v", body)
	}
}

func TestNextCameraWithoutDevices(t *testing.T) {
	f := newFixture(t, nil, []camera.Device{}...)
	if rec := f.do(t, http.MethodPost, "/api/camera/next", ""); rec.Code != http.StatusNotFound {
		t.Errorf("next = %d", rec.Code)
	}
}

func TestSelectCamera(t *testing.T) {
	f := newFixture(t, nil,
		camera.Device{ID: "video0", Label: "Kamera przednia", Path: "/dev/video0"},
		camera.Device{ID: "video2", Label: "Kamera tylna", Path: "/dev/video2"},
	)
	rec := f.do(t, http.MethodPost, "/api/camera/0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("select = %d", rec.Code)
	}
	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["device_label"] != "Kamera przednia" {
		t.Errorf("device = %v", body["device_label"])
	}
}

func TestPrice(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/api/price", ""); rec.Code != http.StatusConflict {
		t.Errorf("price without code = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/search", ""); rec.Code != http.StatusConflict {
		t.Errorf("search without code = %d", rec.Code)
	}
	f.ctrl.Offer("12345670")
	rec := f.do(t, http.MethodPost, "/api/price", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("price = %d", rec.Code)
	}
	var body map[string]any
	decodeJSON(t, rec, &body)
	if body["ok"] != true || body["code"] != "12345670" {
		t.Errorf("body = %v", body)
	}
	if len(f.sink.codes) != 1 {
		t.Errorf("submitted = %v", f.sink.codes)
	}
}

func TestViewportAndFrame(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/api/viewport", `{"display_width":0,"display_height":10}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid viewport = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/viewport", `{"display_width":360,"display_height":640}`); rec.Code != http.StatusNoContent {
		t.Errorf("viewport = %d", rec.Code)
	}
	if got := f.ctrl.Snapshot().Viewport.DisplayWidth; got != 360 {
		t.Errorf("display width = %v", got)
	}
	if rec := f.do(t, http.MethodGet, "/api/frame.jpg", ""); rec.Code != http.StatusNoContent {
		t.Errorf("frame before start = %d", rec.Code)
	}
}

func TestTorch(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/start", "")
	testutil.AssertState(t, f.ctrl.State, statemachine.Scanning, waitFor)

	rec := f.do(t, http.MethodPost, "/api/torch", `{"on":true}`)
	var body map[string]bool
	decodeJSON(t, rec, &body)
	if !body["torch"] {
		t.Errorf("torch = %v", body)
	}
	rec = f.do(t, http.MethodPost, "/api/torch", "")
	decodeJSON(t, rec, &body)
	if body["torch"] {
		t.Errorf("toggle = %v", body)
	}
}

func TestUnknownAPIAndShellFallback(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/api/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown api = %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/index.html", "")
	if rec.Body.String() != "shell:/index.html" {
		t.Errorf("shell = %q", rec.Body.String())
	}
}

func TestSecureContext(t *testing.T) {
	logs := testutil.NewLogCapture()
	f := newFixture(t, func(o *Options) {
		o.RequireSecureRemote = true
		o.Logger = logs.Logger()
	})

	req := httptest.NewRequest(http.MethodPost, "/api/start", nil)
	req.RemoteAddr = "192.168.1.20:51000"
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote start = %d", rec.Code)
	}
	var body apiError
	decodeJSON(t, rec, &body)
	if body.Kind != camera.InsecureContext {
		t.Errorf("kind = %q", body.Kind)
	}
	if f.ctrl.State() != statemachine.Idle {
		t.Errorf("state = %s", f.ctrl.State())
	}
	if !logs.HasMessage(slog.LevelWarn, "insecure camera request refused") {
		t.Errorf("refusal not logged: %s", logs.String())
	}

	if rec := f.do(t, http.MethodPost, "/api/start", ""); rec.Code != http.StatusOK {
		t.Errorf("loopback start = %d", rec.Code)
	}
}

func TestSecureContextDetection(t *testing.T) {
	tests := []struct {
		remote string
		want   bool
	}{
		{"127.0.0.1:1", true},
		{"[::1]:1", true},
		{"10.0.0.5:1", false},
		{"example.org:1", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if got := secureContext(req); got != tt.want {
			t.Errorf("secureContext(%s) = %v", tt.remote, got)
		}
	}
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.srv.Dispatch(ctx, ipc.Request{Command: ipc.CmdSelect, Arg: "x"}); err == nil {
		t.Error("bad select index should fail")
	}
	if err := f.srv.Dispatch(ctx, ipc.Request{Command: ipc.CmdManual, Arg: "12"}); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("manual err = %v", err)
	}
	if err := f.srv.Dispatch(ctx, ipc.Request{Command: "bogus"}); err == nil {
		t.Error("unknown command should fail")
	}
	if err := f.srv.Dispatch(ctx, ipc.Request{Command: ipc.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	testutil.AssertState(t, f.ctrl.State, statemachine.Scanning, waitFor)
	if err := f.srv.Dispatch(ctx, ipc.Request{Command: ipc.CmdQuit}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.quit:
	case <-time.After(waitFor):
		t.Error("OnQuit not called")
	}
}

func readMessage(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var raw struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("read: %v", err)
		}
		if raw.Type == typ {
			var data any
			_ = json.Unmarshal(raw.Data, &data)
			return Message{Type: raw.Type, Data: data}
		}
	}
	t.Fatalf("no %s message", typ)
	return Message{}
}

func TestWebsocketSnapshotsCommandsAndFeedback(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.Run(ctx)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	testutil.WaitForCondition(t, func() bool { return f.srv.Hub().Clients() == 1 }, waitFor, "client registered")

	if err := conn.WriteJSON(map[string]string{"command": "start"}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn, MessageAck)
	if data, _ := msg.Data.(map[string]any); data["ok"] != true || data["command"] != "start" {
		t.Errorf("ack = %v", msg.Data)
	}
	testutil.AssertState(t, f.ctrl.State, statemachine.Scanning, waitFor)
	f.ctrl.SetViewport(target.Viewport{DisplayWidth: 360, DisplayHeight: 640})

	deadline := time.Now().Add(waitFor)
	for {
		snap := readMessage(t, conn, MessageSnapshot)
		if data, _ := snap.Data.(map[string]any); data["state"] == string(statemachine.Scanning) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no scanning snapshot")
		}
	}

	_ = f.srv.Hub().Emit(context.Background(), feedback.Event{Code: "12345670", Type: "EAN-8"})
	fb := readMessage(t, conn, MessageFeedback)
	if data, _ := fb.Data.(map[string]any); data["code"] != "12345670" {
		t.Errorf("feedback = %v", fb.Data)
	}

	if err := conn.WriteJSON(map[string]string{"command": "launch"}); err != nil {
		t.Fatal(err)
	}
	msg = readMessage(t, conn, MessageAck)
	if data, _ := msg.Data.(map[string]any); data["ok"] != false {
		t.Errorf("unknown command ack = %v", msg.Data)
	}
}
