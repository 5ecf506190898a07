// Package feedback delivers the success cue (tone, vibration, flash) for an
// accepted code off the scan loop.
package feedback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiroq/skaner/internal/logging"
)

// Defaults for the success cue.
const (
	DefaultToneHz     = 880
	DefaultToneMs     = 60
	DefaultVibrateMs  = 40
	defaultEmitBudget = 2 * time.Second
)

// Event is one feedback cycle for an accepted code.
type Event struct {
	Code      string    `json:"code"`
	Type      string    `json:"type"`
	ToneHz    int       `json:"tone_hz"`
	ToneMs    int       `json:"tone_ms"`
	VibrateMs int       `json:"vibrate_ms"`
	Flash     bool      `json:"flash"`
	At        time.Time `json:"at"`
}

// Sink renders an event on one channel. Errors are logged at debug level
// and otherwise ignored.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	Label string
	Fn    func(ctx context.Context, ev Event) error
}

func (s SinkFunc) Name() string { return s.Label }

func (s SinkFunc) Emit(ctx context.Context, ev Event) error { return s.Fn(ctx, ev) }

// BellSink rings the terminal bell.
type BellSink struct {
	W io.Writer
}

func (BellSink) Name() string { return "bell" }

func (b BellSink) Emit(context.Context, Event) error {
	if b.W == nil {
		return fmt.Errorf("bell: no terminal")
	}
	_, err := io.WriteString(b.W, "\a")
	return err
}

// Options configures a Scheduler.
type Options struct {
	ToneHz    int
	ToneMs    int
	VibrateMs int
	Flash     bool
	Logger    *slog.Logger
}

// Scheduler runs sinks on its own goroutine. Schedule never blocks: at most
// one cycle waits, and a newer one replaces it.
type Scheduler struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink

	queue  chan Event
	cycles atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewScheduler(opts Options, sinks ...Sink) *Scheduler {
	if opts.ToneHz <= 0 {
		opts.ToneHz = DefaultToneHz
	}
	if opts.ToneMs <= 0 {
		opts.ToneMs = DefaultToneMs
	}
	if opts.VibrateMs < 0 {
		opts.VibrateMs = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "feedback"),
		sinks:  sinks,
		queue:  make(chan Event, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// AddSink registers another channel.
func (s *Scheduler) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Start launches the worker. Calling it again has no effect.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop ends the worker and waits for an in-progress cycle.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.startOnce.Do(func() { close(s.done) })
		<-s.done
	})
}

// Schedule queues a cycle for code and returns immediately.
func (s *Scheduler) Schedule(code, typ string) {
	ev := Event{
		Code:      code,
		Type:      typ,
		ToneHz:    s.opts.ToneHz,
		ToneMs:    s.opts.ToneMs,
		VibrateMs: s.opts.VibrateMs,
		Flash:     s.opts.Flash,
		At:        time.Now(),
	}
	for {
		select {
		case s.queue <- ev:
			return
		default:
		}
		select {
		case <-s.queue:
		default:
		}
	}
}

// Cycles reports how many cycles have been delivered.
func (s *Scheduler) Cycles() int64 {
	return s.cycles.Load()
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			s.deliver(ev)
		}
	}
}

func (s *Scheduler) deliver(ev Event) {
	s.mu.RLock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(s.ctx, defaultEmitBudget)
	defer cancel()
	for _, sink := range sinks {
		s.emit(ctx, sink, ev)
	}
	s.cycles.Add(1)
}

func (s *Scheduler) emit(ctx context.Context, sink Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("feedback sink panicked", logging.String("sink", sink.Name()), logging.Any("panic", r))
		}
	}()
	if err := sink.Emit(ctx, ev); err != nil {
		s.logger.Debug("feedback sink failed", logging.String("sink", sink.Name()), logging.Error(err))
	}
}
