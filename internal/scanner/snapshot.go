package scanner

import (
	"image"
	"time"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/decoder"
	"github.com/tiroq/skaner/internal/result"
	"github.com/tiroq/skaner/internal/statemachine"
	"github.com/tiroq/skaner/internal/target"
)

// Snapshot is the observable controller state handed to UI adapters.
type Snapshot struct {
	State        statemachine.State `json:"state"`
	SessionID    string             `json:"session_id,omitempty"`
	Backend      decoder.Kind       `json:"backend,omitempty"`
	Devices      []camera.Device    `json:"devices"`
	DeviceIndex  int                `json:"device_index"`
	DeviceLabel  string             `json:"device_label"`
	Torch        bool               `json:"torch"`
	TorchCapable bool               `json:"torch_capable"`
	Result       *result.ScanResult `json:"result,omitempty"`
	Hint         string             `json:"hint,omitempty"`
	Advisory     string             `json:"advisory,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	ErrorKind    camera.ErrorKind   `json:"error_kind,omitempty"`
	Viewport     target.Viewport    `json:"viewport"`
	Region       *decoder.Box       `json:"region,omitempty"`
	Timeouts     int64              `json:"decode_timeouts"`
	At           time.Time          `json:"at"`
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	st := c.sm.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:        st.State,
		SessionID:    st.SessionID,
		Devices:      append([]camera.Device(nil), c.devices...),
		DeviceIndex:  c.index,
		DeviceLabel:  camera.NoCameraLabel,
		Torch:        c.session.Torch(),
		TorchCapable: c.session.TorchCapable(),
		Hint:         c.hint,
		Viewport:     c.tracker.Viewport(),
		Timeouts:     c.timeouts.Load(),
		At:           time.Now(),
	}
	if dev, ok := c.currentDeviceLocked(); ok {
		s.DeviceLabel = dev.Label
	}
	if c.dec != nil {
		s.Backend = c.dec.Kind()
	}
	if res, ok := c.debouncer.Current(); ok {
		s.Result = &res
	}
	if c.multiple {
		s.Advisory = target.MultipleAdvisory
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
		s.ErrorKind = camera.KindOf(c.lastErr)
	}
	if region, ok := c.tracker.Region(); ok {
		s.Region = &region
	}
	return s
}

// LastFrame returns the most recent frame that reached the selector.
func (c *Controller) LastFrame() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrame
}

// Subscribe returns a channel that always holds the newest snapshot; a slow
// reader sees only the latest one. cancel ends the subscription.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.subMu.Lock()
	if c.closed {
		c.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	offerSnapshot(ch, c.Snapshot())
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Controller) publish() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, ch := range c.subs {
		offerSnapshot(ch, snap)
	}
}

func offerSnapshot(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
