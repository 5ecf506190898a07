// Package server exposes the scanner to the browser shell: a JSON API for
// the controls, a websocket for live state and feedback, and the offline
// shell cache for everything else.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/diaglog"
	"github.com/tiroq/skaner/internal/logging"
	"github.com/tiroq/skaner/internal/pricesink"
	"github.com/tiroq/skaner/internal/result"
	"github.com/tiroq/skaner/internal/scanner"
	"github.com/tiroq/skaner/internal/search"
	"github.com/tiroq/skaner/internal/statemachine"
	"github.com/tiroq/skaner/internal/target"
)

const maxBodyBytes = 64 << 10

// Options wires a Server.
type Options struct {
	Controller *scanner.Controller
	// Shell answers every path the API does not claim.
	Shell       http.Handler
	Sink        pricesink.Submitter
	Marketplace string
	// RequireSecureRemote refuses camera control from non-loopback clients
	// over plain HTTP.
	RequireSecureRemote bool
	// OnQuit runs for the quit command.
	OnQuit func()
	Logger *slog.Logger
	Diag   *diaglog.Logger
}

// Server is the HTTP adapter around one Controller.
type Server struct {
	ctrl          *scanner.Controller
	shell         http.Handler
	sink          pricesink.Submitter
	marketplace   string
	requireSecure bool
	onQuit        func()
	logger        *slog.Logger
	diag          *diaglog.Logger
	hub           *Hub
	router        *mux.Router
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("server: controller is required")
	}
	sink := opts.Sink
	if sink == nil {
		sink = pricesink.Noop{}
	}
	s := &Server{
		ctrl:          opts.Controller,
		shell:         opts.Shell,
		sink:          sink,
		marketplace:   opts.Marketplace,
		requireSecure: opts.RequireSecureRemote,
		onQuit:        opts.OnQuit,
		logger:        logging.NewComponentLogger(opts.Logger, "server"),
		diag:          opts.Diag,
	}
	s.hub = NewHub(s.Dispatch, s.logger)
	s.router = s.routes()
	return s, nil
}

// Hub returns the websocket hub; it doubles as a feedback sink.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/frame.jpg", s.handleFrame).Methods(http.MethodGet)
	api.Handle("/start", s.secure(http.HandlerFunc(s.handleStart))).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.Handle("/resume", s.secure(http.HandlerFunc(s.handleResume))).Methods(http.MethodPost)
	api.Handle("/clear", s.secure(http.HandlerFunc(s.handleClear))).Methods(http.MethodPost)
	api.Handle("/torch", s.secure(http.HandlerFunc(s.handleTorch))).Methods(http.MethodPost)
	api.Handle("/camera/next", s.secure(http.HandlerFunc(s.handleNextCamera))).Methods(http.MethodPost)
	api.Handle("/camera/{index:[0-9]+}", s.secure(http.HandlerFunc(s.handleSelectCamera))).Methods(http.MethodPost)
	api.HandleFunc("/manual", s.handleManual).Methods(http.MethodPost)
	api.HandleFunc("/viewport", s.handleViewport).Methods(http.MethodPost)
	api.HandleFunc("/price", s.handlePrice).Methods(http.MethodPost)
	api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "", "unknown endpoint")
	})
	r.Handle("/ws", s.secure(s.hub))

	if s.shell != nil {
		r.PathPrefix("/").Handler(s.shell)
	}
	return r
}

// Run forwards controller snapshots to websocket clients until ctx ends.
func (s *Server) Run(ctx context.Context) {
	updates, cancel := s.ctrl.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			s.hub.CloseAll()
			return
		case snap, ok := <-updates:
			if !ok {
				s.hub.CloseAll()
				return
			}
			s.hub.Broadcast(MessageSnapshot, s.status(snap))
		}
	}
}

// ListenAndServe serves on bind until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, bind string) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", bind, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("listening", logging.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// statusResponse is a snapshot with the derived search link.
type statusResponse struct {
	scanner.Snapshot
	SearchURL string `json:"search_url,omitempty"`
}

func (s *Server) status(snap scanner.Snapshot) statusResponse {
	resp := statusResponse{Snapshot: snap}
	if snap.Result != nil && s.marketplace != "" {
		resp.SearchURL = search.URL(s.marketplace, snap.Result.Code)
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(s.ctrl.Snapshot()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		writeCameraError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop("api")
	s.handleStatus(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(); err != nil {
		writeError(w, http.StatusConflict, "", err.Error())
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Clear()
	s.handleStatus(w, r)
}

type torchRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleTorch(w http.ResponseWriter, r *http.Request) {
	var req torchRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	var on bool
	if req.On == nil {
		on = s.ctrl.ToggleTorch(r.Context())
	} else {
		on = s.ctrl.SetTorch(r.Context(), *req.On)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"torch": on})
}

func (s *Server) handleNextCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SwitchDevice(r.Context()); err != nil {
		writeCameraError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleSelectCamera(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid camera index")
		return
	}
	if err := s.ctrl.SelectDevice(r.Context(), index); err != nil {
		writeCameraError(w, err)
		return
	}
	s.handleStatus(w, r)
}

type manualRequest struct {
	Code string `json:"code"`
}

type manualResponse struct {
	Result  result.ScanResult `json:"result"`
	Outcome string            `json:"outcome"`
	Hint    string            `json:"hint,omitempty"`
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	res, outcome := s.ctrl.Offer(req.Code)
	if outcome == result.Rejected {
		writeError(w, http.StatusUnprocessableEntity, "", scanner.HintInvalidCode)
		return
	}
	writeJSON(w, http.StatusOK, manualResponse{Result: res, Outcome: outcome.String(), Hint: s.ctrl.Snapshot().Hint})
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	var v target.Viewport
	if err := decodeBody(r, &v, false); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	if v.DisplayWidth <= 0 || v.DisplayHeight <= 0 {
		writeError(w, http.StatusBadRequest, "", "display size must be positive")
		return
	}
	if v.VideoWidth <= 0 || v.VideoHeight <= 0 {
		cur := s.ctrl.Snapshot().Viewport
		v.VideoWidth, v.VideoHeight = cur.VideoWidth, cur.VideoHeight
	}
	s.ctrl.SetViewport(v)
	w.WriteHeader(http.StatusNoContent)
}

type priceRequest struct {
	Code string `json:"code"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	code := req.Code
	if code == "" {
		code = s.currentCode()
	}
	if code == "" {
		writeError(w, http.StatusConflict, "", "no code to submit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "ok": s.sink.Submit(r.Context(), code)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		code = s.currentCode()
	}
	if code == "" {
		writeError(w, http.StatusConflict, "", "no code scanned")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code, "url": search.URL(s.marketplace, code)})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	img := s.ctrl.LastFrame()
	if img == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(75)); err != nil {
		s.logger.Debug("frame encode failed", logging.Error(err))
	}
}

func (s *Server) currentCode() string {
	if snap := s.ctrl.Snapshot(); snap.Result != nil {
		return snap.Result.Code
	}
	return ""
}

type apiError struct {
	Error   string           `json:"error"`
	Kind    camera.ErrorKind `json:"kind,omitempty"`
	Message string           `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind camera.ErrorKind, msg string) {
	body := apiError{Error: msg, Kind: kind}
	if kind != "" {
		body.Message = kind.Message()
	}
	writeJSON(w, status, body)
}

func writeCameraError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scanner.ErrNoDevices):
		writeError(w, http.StatusNotFound, camera.DeviceNotFound, err.Error())
	case errors.Is(err, statemachine.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "", err.Error())
	default:
		kind := camera.KindOf(err)
		status := http.StatusServiceUnavailable
		switch kind {
		case camera.PermissionDenied, camera.InsecureContext:
			status = http.StatusForbidden
		case camera.DeviceNotFound:
			status = http.StatusNotFound
		}
		writeError(w, status, kind, err.Error())
	}
}

func decodeBody(r *http.Request, v any, optional bool) error {
	if r.Body == nil || r.ContentLength == 0 {
		if optional {
			return nil
		}
		return errors.New("request body required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
