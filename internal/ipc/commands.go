// Package ipc lets the CLI talk to a running daemon through two files in
// the state directory: cmd.txt carries one pending command, status.json
// holds the latest snapshot.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Command is a control verb sent to the daemon.
type Command string

const (
	CmdStart      Command = "start"       // Start scanning
	CmdStop       Command = "stop"        // Stop scanning and release the camera
	CmdResume     Command = "resume"      // Resume after an accepted code
	CmdClear      Command = "clear"       // Drop the current code and resume
	CmdTorch      Command = "torch"       // Toggle the torch
	CmdNextCamera Command = "next-camera" // Switch to the next device
	CmdSelect     Command = "select"      // Switch to the device index in Arg
	CmdManual     Command = "manual"      // Offer the code in Arg as manual entry
	CmdRefresh    Command = "refresh"     // Re-enumerate devices
	CmdQuit       Command = "quit"        // Shut the daemon down
)

// Request is a command with its optional argument.
type Request struct {
	Command Command
	Arg     string
}

func (r Request) String() string {
	if r.Arg == "" {
		return string(r.Command)
	}
	return string(r.Command) + " " + r.Arg
}

// Known reports whether cmd is a recognised command.
func Known(cmd Command) bool {
	switch cmd {
	case CmdStart, CmdStop, CmdResume, CmdClear, CmdTorch, CmdNextCamera, CmdSelect, CmdManual, CmdRefresh, CmdQuit:
		return true
	}
	return false
}

// CommandPath returns dir/cmd.txt.
func CommandPath(dir string) string {
	return filepath.Join(dir, "cmd.txt")
}

// WriteCommand writes req to dir/cmd.txt.
func WriteCommand(dir string, req Request) error {
	if !Known(req.Command) {
		return fmt.Errorf("unknown command %q", req.Command)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(CommandPath(dir), []byte(req.String()), 0o644)
}

// ReadCommand reads and clears dir/cmd.txt. It returns a zero Request when
// nothing is pending or the content is not a known command.
func ReadCommand(dir string) (Request, error) {
	path := CommandPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Request{}, nil
		}
		return Request{}, err
	}

	// Clear immediately so the command is not re-executed.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return Request{}, err
	}
	return ParseRequest(string(data)), nil
}

// ParseRequest splits "verb [arg]"; unknown verbs yield a zero Request.
func ParseRequest(raw string) Request {
	verb, arg, _ := strings.Cut(strings.TrimSpace(raw), " ")
	cmd := Command(strings.ToLower(verb))
	if !Known(cmd) {
		return Request{}
	}
	return Request{Command: cmd, Arg: strings.TrimSpace(arg)}
}
