package main

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/tiroq/skaner/internal/ipc"
	"github.com/tiroq/skaner/internal/logging"
	"github.com/tiroq/skaner/internal/scanner"
)

// writeStatus mirrors every controller snapshot into status.json.
func writeStatus(ctx context.Context, dir string, ctrl *scanner.Controller, lastAction *atomic.Value, logger *slog.Logger) {
	updates, cancel := ctrl.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			action, _ := lastAction.Load().(string)
			if err := ipc.WriteStatus(dir, statusFromSnapshot(snap, action)); err != nil {
				logger.Debug("write status failed", logging.Error(err))
			}
		}
	}
}

func statusFromSnapshot(snap scanner.Snapshot, lastAction string) *ipc.StatusSnapshot {
	status := &ipc.StatusSnapshot{
		State:        string(snap.State),
		SessionID:    snap.SessionID,
		Backend:      string(snap.Backend),
		Devices:      make([]ipc.DeviceStatus, 0, len(snap.Devices)),
		Torch:        snap.Torch,
		TorchCapable: snap.TorchCapable,
		Hint:         snap.Hint,
		LastAction:   lastAction,
		LastError:    snap.LastError,
		Timeouts:     snap.Timeouts,
		Timestamp:    time.Now(),
		PID:          os.Getpid(),
	}
	for i, d := range snap.Devices {
		status.Devices = append(status.Devices, ipc.DeviceStatus{
			Index:   i,
			Label:   d.Label,
			Facing:  string(d.Facing),
			Path:    d.Path,
			Current: i == snap.DeviceIndex,
		})
	}
	if snap.Result != nil {
		status.Code = snap.Result.Code
		status.CodeType = snap.Result.Type
	}
	return status
}
