// Package statemachine tracks the scan session lifecycle:
// Idle → Starting → Scanning ⇄ Paused, and any state → Stopped.
package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/skaner/internal/diaglog"
)

// State is one lifecycle state.
type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Scanning State = "scanning"
	Paused   State = "paused"
	Stopped  State = "stopped"
)

// Event drives a transition.
type Event string

const (
	EventStart       Event = "start"
	EventStarted     Event = "started"
	EventStartFailed Event = "start_failed"
	EventAccepted    Event = "accepted"
	EventResume      Event = "resume"
	EventStop        Event = "stop"
)

// ErrInvalidTransition is returned when an event is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid transition")

var transitions = map[State]map[Event]State{
	Idle: {
		EventStart: Starting,
		EventStop:  Stopped,
	},
	Starting: {
		EventStarted:     Scanning,
		EventStartFailed: Stopped,
		EventStop:        Stopped,
	},
	Scanning: {
		EventAccepted: Paused,
		EventStop:     Stopped,
	},
	Paused: {
		EventResume: Scanning,
		EventStop:   Stopped,
	},
	Stopped: {
		EventStart: Starting,
		EventStop:  Stopped,
	},
}

// Snapshot is a point-in-time copy of the machine.
type Snapshot struct {
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// StateMachine is safe for concurrent use.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	sessionID string
	since     time.Time
	lastErr   error
	diag      *diaglog.Logger
	now       func() time.Time
}

// NewStateMachine starts in Idle.
func NewStateMachine(diag *diaglog.Logger) *StateMachine {
	return &StateMachine{
		state: Idle,
		since: time.Now(),
		diag:  diag,
		now:   time.Now,
	}
}

// Fire applies ev and returns the new state.
func (sm *StateMachine) Fire(ev Event, reason string) (State, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.fireLocked(ev, reason)
}

func (sm *StateMachine) fireLocked(ev Event, reason string) (State, error) {
	next, ok := transitions[sm.state][ev]
	if !ok {
		return sm.state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, sm.state)
	}
	prev := sm.state
	if ev == EventStart {
		sm.sessionID = uuid.New().String()
		sm.lastErr = nil
	}
	sm.state = next
	sm.since = sm.now()

	sm.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentScanner,
		Event:     diaglog.EventStateChange,
		SessionID: sm.sessionID,
		Reason:    reason,
		Payload: map[string]interface{}{
			"from":  string(prev),
			"to":    string(next),
			"event": string(ev),
		},
	})
	return next, nil
}

// BeginStart moves Idle/Stopped to Starting with a fresh session id.
func (sm *StateMachine) BeginStart(reason string) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, err := sm.fireLocked(EventStart, reason); err != nil {
		return "", err
	}
	return sm.sessionID, nil
}

// StartSucceeded moves Starting to Scanning.
func (sm *StateMachine) StartSucceeded() error {
	_, err := sm.Fire(EventStarted, "stream acquired")
	return err
}

// StartFailed moves Starting to Stopped and records err.
func (sm *StateMachine) StartFailed(err error) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	reason := "acquisition failed"
	if err != nil {
		reason = err.Error()
	}
	if _, ferr := sm.fireLocked(EventStartFailed, reason); ferr != nil {
		return ferr
	}
	sm.lastErr = err
	return nil
}

// Pause moves Scanning to Paused after an accepted code.
func (sm *StateMachine) Pause() error {
	_, err := sm.Fire(EventAccepted, "code accepted")
	return err
}

// Resume moves Paused to Scanning.
func (sm *StateMachine) Resume(reason string) error {
	_, err := sm.Fire(EventResume, reason)
	return err
}

// Stop moves any state to Stopped.
func (sm *StateMachine) Stop(reason string) {
	_, _ = sm.Fire(EventStop, reason)
}

// Current returns the current state.
func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// SessionID returns the id of the most recent start.
func (sm *StateMachine) SessionID() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessionID
}

// LastError returns the error recorded by the last failed start.
func (sm *StateMachine) LastError() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastErr
}

// Snapshot copies the machine's fields.
func (sm *StateMachine) Snapshot() Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := Snapshot{State: sm.state, SessionID: sm.sessionID, Since: sm.since}
	if sm.lastErr != nil {
		s.LastError = sm.lastErr.Error()
	}
	return s
}

// Running reports whether a session holds or is acquiring the camera.
func (s State) Running() bool {
	return s == Starting || s == Scanning || s == Paused
}
