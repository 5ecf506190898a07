// Package diaglog writes the scanner's NDJSON diagnostic trail: lifecycle
// transitions, camera failures, decode timeouts and cache refreshes.
// It is enabled by SKANER_DEBUG=true or the logging.diagnostics setting;
// otherwise every Log call is a no-op and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// EnvDebug turns diagnostics on regardless of configuration.
const EnvDebug = "SKANER_DEBUG"

// Component labels.
const (
	ComponentScanner    = "scanner"
	ComponentCamera     = "camera"
	ComponentDecoder    = "decoder"
	ComponentShellCache = "shell-cache"
	ComponentPriceSink  = "price-sink"
	ComponentServer     = "server"
	ComponentDiagExport = "diag-export"
	ComponentCore       = "skaner-core"
)

// Event names.
const (
	EventStateChange     = "state_change"
	EventSessionStart    = "session_start"
	EventSessionStop     = "session_stop"
	EventStartFailed     = "start_failed"
	EventCodeAccepted    = "code_accepted"
	EventDecodeTimeout   = "decode_timeout"
	EventStreamLost      = "stream_lost"
	EventDeviceSwitch    = "device_switch"
	EventDevicesChanged  = "devices_changed"
	EventCacheInstall    = "cache_install"
	EventCacheActivate   = "cache_activate"
	EventCacheRefreshErr = "cache_refresh_failed"
	EventPriceSubmit     = "price_submit"
	EventCommand         = "command"
)

// LogEntry is one record, written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`
	Component string      `json:"component"`
	Event     string      `json:"event"`
	SessionID string      `json:"session_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// DefaultMaxSize caps the live file before it rolls over.
const DefaultMaxSize = 10 * 1024 * 1024

// Logger appends LogEntry values to a rolling file.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens path when enabled (or SKANER_DEBUG=true); otherwise it returns
// a disabled logger and touches nothing on disk.
func New(path string, enabled bool) (*Logger, error) {
	if !enabled && !IsDebugEnabled() {
		return &Logger{}, nil
	}
	rw, err := newRollingWriter(path, DefaultMaxSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Enabled reports whether entries reach disk.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Log writes entry after redacting its payload.
func (l *Logger) Log(entry LogEntry) {
	if !l.Enabled() {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close releases the file. Safe on a nil or disabled logger.
func (l *Logger) Close() error {
	if !l.Enabled() || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether SKANER_DEBUG is "true".
func IsDebugEnabled() bool {
	return os.Getenv(EnvDebug) == "true"
}

// NewNoOp returns a disabled logger.
func NewNoOp() *Logger {
	return &Logger{}
}
