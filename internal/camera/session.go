package camera

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tiroq/skaner/internal/logging"
)

// Session holds at most one live stream. A new stream is only opened after
// the previous one has been stopped.
type Session struct {
	source Source
	logger *slog.Logger

	// acquireMu serialises Acquire; mu guards the fields and is not held
	// while a device is opening.
	acquireMu sync.Mutex
	mu        sync.Mutex
	stream    Stream
	torch     bool
}

func NewSession(source Source, logger *slog.Logger) *Session {
	return &Session{
		source: source,
		logger: logging.NewComponentLogger(logger, "camera"),
	}
}

// Acquire releases any live stream and opens a new one.
func (s *Session) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	s.Release()
	stream, err := s.source.Open(ctx, c)
	if err != nil {
		camErr := Classify(c.DevicePath, err, "")
		s.logger.Warn("camera acquisition failed",
			logging.String(logging.FieldDevice, c.DevicePath),
			logging.String("kind", string(camErr.Kind)),
			logging.Error(err),
		)
		return nil, camErr
	}
	s.mu.Lock()
	s.stream = stream
	s.torch = false
	s.mu.Unlock()
	return stream, nil
}

// Release stops the live stream. It is safe to call with no stream.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Session) releaseLocked() {
	if s.stream == nil {
		return
	}
	dev := s.stream.Device()
	s.stream.Stop()
	s.stream = nil
	s.torch = false
	s.logger.Info("camera released", logging.String(logging.FieldDevice, dev.Path))
}

// Stream returns the live stream, or nil.
func (s *Session) Stream() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Active reports whether a stream is live.
func (s *Session) Active() bool {
	return s.Stream() != nil
}

// TorchCapable reports whether the live stream exposes a torch.
func (s *Session) TorchCapable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil && s.stream.TorchCapable()
}

// Torch reports the last applied torch state.
func (s *Session) Torch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torch
}

// SetTorch switches the torch. Without a stream or torch capability it does
// nothing; hardware errors are logged and swallowed.
func (s *Session) SetTorch(ctx context.Context, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || !s.stream.TorchCapable() {
		return
	}
	if err := s.stream.ApplyTorch(ctx, on); err != nil {
		s.logger.Debug("torch not applied", logging.Bool("on", on), logging.Error(err))
		return
	}
	s.torch = on
}
