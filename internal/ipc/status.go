package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// DeviceStatus is one device line in the snapshot.
type DeviceStatus struct {
	Index   int    `json:"index"`
	Label   string `json:"label"`
	Facing  string `json:"facing"`
	Path    string `json:"path"`
	Current bool   `json:"current"`
}

// StatusSnapshot is the daemon state as seen by the CLI.
type StatusSnapshot struct {
	State        string         `json:"state"`
	SessionID    string         `json:"session_id,omitempty"`
	Backend      string         `json:"backend,omitempty"`
	Devices      []DeviceStatus `json:"devices"`
	Torch        bool           `json:"torch"`
	TorchCapable bool           `json:"torch_capable"`
	Code         string         `json:"code,omitempty"`
	CodeType     string         `json:"code_type,omitempty"`
	Hint         string         `json:"hint,omitempty"`
	LastAction   string         `json:"last_action,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Timeouts     int64          `json:"decode_timeouts"`
	Timestamp    time.Time      `json:"timestamp"`
	PID          int            `json:"pid"`
}

// StatusPath returns dir/status.json.
func StatusPath(dir string) string {
	return filepath.Join(dir, "status.json")
}

// WriteStatus persists status atomically.
func WriteStatus(dir string, status *StatusSnapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return atomicWriteJSON(StatusPath(dir), status)
}

// ReadStatus loads dir/status.json.
func ReadStatus(dir string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(StatusPath(dir))
	if err != nil {
		return nil, err
	}
	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// atomicWriteJSON writes data via a temp file and rename.
func atomicWriteJSON(path string, data interface{}) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil
	return os.Rename(tmpPath, path)
}
