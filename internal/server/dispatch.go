package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/diaglog"
	"github.com/tiroq/skaner/internal/ipc"
	"github.com/tiroq/skaner/internal/logging"
	"github.com/tiroq/skaner/internal/result"
)

// ErrInvalidCode is returned when a manual code fails the digit-count check.
var ErrInvalidCode = errors.New("code must have 8 to 18 digits")

// Dispatch runs a control command. The websocket and the command file both
// end up here.
func (s *Server) Dispatch(ctx context.Context, req ipc.Request) error {
	s.logger.Info("command", logging.String("command", req.String()))
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentServer,
		Event:     diaglog.EventCommand,
		SessionID: s.ctrl.Snapshot().SessionID,
		Payload:   map[string]interface{}{"command": string(req.Command), "arg": req.Arg},
	})

	switch req.Command {
	case ipc.CmdStart:
		return s.ctrl.Start(ctx)
	case ipc.CmdStop:
		s.ctrl.Stop("command")
	case ipc.CmdResume:
		return s.ctrl.Resume()
	case ipc.CmdClear:
		s.ctrl.Clear()
	case ipc.CmdTorch:
		switch strings.ToLower(strings.TrimSpace(req.Arg)) {
		case "on":
			s.ctrl.SetTorch(ctx, true)
		case "off":
			s.ctrl.SetTorch(ctx, false)
		default:
			s.ctrl.ToggleTorch(ctx)
		}
	case ipc.CmdNextCamera:
		return s.ctrl.SwitchDevice(ctx)
	case ipc.CmdSelect:
		index, err := strconv.Atoi(strings.TrimSpace(req.Arg))
		if err != nil {
			return fmt.Errorf("select: invalid index %q", req.Arg)
		}
		return s.ctrl.SelectDevice(ctx, index)
	case ipc.CmdManual:
		if _, outcome := s.ctrl.Offer(req.Arg); outcome == result.Rejected {
			return ErrInvalidCode
		}
	case ipc.CmdRefresh:
		return s.ctrl.Refresh(ctx)
	case ipc.CmdQuit:
		if s.onQuit != nil {
			s.onQuit()
		}
	default:
		return fmt.Errorf("unknown command %q", req.Command)
	}
	return nil
}

// secure rejects non-loopback plain-HTTP clients when remote control must
// come over TLS.
func (s *Server) secure(next http.Handler) http.Handler {
	if !s.requireSecure {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !secureContext(r) {
			s.logger.Warn("insecure camera request refused", logging.String("remote", r.RemoteAddr), logging.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, camera.InsecureContext, "camera control requires https or localhost")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureContext(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
