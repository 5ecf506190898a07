package scanner

import (
	"context"
	"image"
	"time"

	"github.com/tiroq/skaner/internal/camera"
	"github.com/tiroq/skaner/internal/decoder"
	"github.com/tiroq/skaner/internal/diaglog"
	"github.com/tiroq/skaner/internal/fileutil"
	"github.com/tiroq/skaner/internal/logging"
	"github.com/tiroq/skaner/internal/result"
	"github.com/tiroq/skaner/internal/statemachine"
)

// run is the decode loop for one session generation. The native backend is
// polled on a fixed interval; the fallback decodes each delivered frame.
// Decoding is synchronous, so a tick that arrives mid-decode is skipped.
// A decode abandoned by the timeout keeps the loop busy until the decoder
// call returns; ticks and frames seen meanwhile are skipped too.
func (c *Controller) run(ctx context.Context, gen uint64, stream camera.Stream, dec decoder.Decoder, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if dec.Kind() == decoder.KindNative {
		ticker := time.NewTicker(c.opts.NativeInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var latest camera.Frame
	var decodedSeq uint64
	var busy <-chan struct{}
	idle := func() bool {
		if busy == nil {
			return true
		}
		select {
		case <-busy:
			busy = nil
			return true
		default:
			return false
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.Done():
			if ctx.Err() == nil {
				err := stream.Err()
				c.bg.Add(1)
				go func() {
					defer c.bg.Done()
					c.streamLost(gen, err)
				}()
			}
			return
		case f := <-stream.Frames():
			latest = f
			c.tracker.SetVideoSize(frameSize(f.Image))
			if tick == nil && idle() {
				busy = c.decode(ctx, gen, dec, f)
			}
		case <-tick:
			if latest.Image == nil || latest.Seq == decodedSeq || !idle() {
				continue
			}
			decodedSeq = latest.Seq
			busy = c.decode(ctx, gen, dec, latest)
			drainTick(tick)
		}
	}
}

func frameSize(img image.Image) (int, int) {
	if img == nil {
		return 0, 0
	}
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func drainTick(tick <-chan time.Time) {
	select {
	case <-tick:
	default:
	}
}

// decode runs one tick. It returns the channel of a timed-out attempt that
// is still running, or nil.
func (c *Controller) decode(ctx context.Context, gen uint64, dec decoder.Decoder, f camera.Frame) <-chan struct{} {
	if c.sm.Current() != statemachine.Scanning || f.Image == nil {
		return nil
	}
	cands, finished, ok := decoder.DecodeBounded(ctx, dec, f.Image, c.opts.DecodeTimeout)
	if !ok {
		if ctx.Err() != nil {
			return finished
		}
		n := c.timeouts.Add(1)
		c.logger.Debug("decode tick timed out",
			logging.Duration("timeout", c.opts.DecodeTimeout),
			logging.Int("timeouts", int(n)),
		)
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentDecoder,
			Event:     diaglog.EventDecodeTimeout,
			SessionID: c.sm.SessionID(),
			Payload:   map[string]interface{}{"backend": string(dec.Kind()), "seq": f.Seq},
		})
		return finished
	}
	c.process(gen, f, cands)
	return nil
}

// process runs selection and debouncing for one frame's candidates.
// Results from a generation that has since been stopped are dropped.
func (c *Controller) process(gen uint64, f camera.Frame, cands []decoder.Candidate) {
	c.mu.Lock()
	if gen != c.gen || c.sm.Current() != statemachine.Scanning {
		c.mu.Unlock()
		return
	}
	c.lastFrame = f.Image

	region, hasRegion := c.tracker.Region()
	sel := c.selector.Select(region, hasRegion, cands)
	advisoryChanged := sel.Multiple != c.multiple
	c.multiple = sel.Multiple
	if !sel.OK {
		c.mu.Unlock()
		if advisoryChanged {
			c.publish()
		}
		return
	}

	res, outcome := c.debouncer.Offer(sel.Candidate.Text, sel.Candidate.Format, SourceCamera)
	if outcome == result.Accepted {
		c.acceptLocked(res, f.Image)
	}
	c.mu.Unlock()

	switch outcome {
	case result.Accepted, result.Reoffered:
		c.afterResult(res, outcome)
	default:
		if advisoryChanged {
			c.publish()
		}
	}
}

// acceptLocked pauses scanning and schedules feedback. Caller holds c.mu.
func (c *Controller) acceptLocked(res result.ScanResult, frame image.Image) {
	if c.sm.Current() == statemachine.Scanning {
		_ = c.sm.Pause()
	}
	c.feedback.Schedule(res.Code, res.Type)
	c.hint = HintScanned

	sessionID := c.sm.SessionID()
	c.logger.Info("code accepted",
		logging.String(logging.FieldCode, res.Code),
		logging.String("type", res.Type),
		logging.String("source", res.Source),
	)
	c.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentScanner,
		Event:     diaglog.EventCodeAccepted,
		SessionID: sessionID,
		Payload:   map[string]interface{}{"code": res.Code, "type": res.Type, "source": res.Source},
	})

	if c.opts.SnapshotDir != "" && frame != nil {
		meta := &fileutil.SnapshotMetadata{
			Version:   c.opts.Version,
			SessionID: sessionID,
			Code:      res.Code,
			Type:      res.Type,
			Source:    res.Source,
			Multiple:  c.multiple,
			ScannedAt: res.FirstSeen,
		}
		if dev, ok := c.currentDeviceLocked(); ok {
			meta.Device = dev.Path
		}
		if c.dec != nil {
			meta.Backend = string(c.dec.Kind())
		}
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			path, err := fileutil.WriteSnapshot(c.opts.SnapshotDir, frame, meta)
			if err != nil {
				c.logger.Warn("snapshot not written", logging.Error(err))
				return
			}
			c.logger.Debug("snapshot written", logging.String("path", path))
		}()
	}
}

func (c *Controller) afterResult(res result.ScanResult, outcome result.Outcome) {
	c.publish()
	if c.opts.OnResult == nil {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.opts.OnResult(res, outcome)
	}()
}
