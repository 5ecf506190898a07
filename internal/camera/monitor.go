package camera

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"github.com/tiroq/skaner/internal/logging"
)

// Monitor listens for udev video4linux add/remove events and calls the
// refresh handler so the device list follows hot-plugs.
type Monitor struct {
	logger  *slog.Logger
	refresh func(ctx context.Context)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

func NewMonitor(logger *slog.Logger, refresh func(ctx context.Context)) *Monitor {
	return &Monitor{
		logger:  logging.NewComponentLogger(logger, "camera-monitor"),
		refresh: refresh,
	}
}

// Start connects to the netlink socket. A failed connection is logged and
// leaves the monitor stopped; enumeration then only happens on demand.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("udev monitor unavailable; camera hot-plug not tracked",
			logging.Error(err),
			logging.String(logging.FieldEventType, "udev_connect_failed"),
		)
		return nil
	}
	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.loop(ctx, conn, quit)

	m.logger.Info("udev monitor started", logging.String(logging.FieldEventType, "udev_monitor_started"))
	return nil
}

// Stop shuts the monitor down. It is idempotent.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.quit)
	m.quit = nil
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false
}

// Running reports whether the monitor is listening.
func (m *Monitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			m.handleEvent(ctx, ev)
		case err := <-errs:
			m.logger.Warn("udev monitor error", logging.Error(err))
		}
	}
}

func buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "video4linux",
		},
	})
	return rules
}

func (m *Monitor) handleEvent(ctx context.Context, ev netlink.UEvent) {
	m.logger.Info("camera hot-plug",
		logging.String("action", string(ev.Action)),
		logging.String(logging.FieldDevice, ev.Env["DEVNAME"]),
	)
	if m.refresh != nil {
		m.refresh(ctx)
	}
}
