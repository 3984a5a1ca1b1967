package audio

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

// Capture continuously reads fixed-size frames from the input device on
// its own goroutine and publishes them to the bus. Pause stops emission
// without releasing the device (frames are read and discarded, so pausing
// takes effect within one frame period); Close releases the device on
// every exit path.
type Capture struct {
	cfg    config.AudioConfig
	bus    *bus.Client
	dev    InputDevice
	logger *slog.Logger

	paused    atomic.Bool
	seq       atomic.Uint64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	failed    atomic.Bool
}

func NewCapture(cfg config.AudioConfig, busClient *bus.Client, dev InputDevice, logger *slog.Logger) *Capture {
	return &Capture{
		cfg:    cfg,
		bus:    busClient,
		dev:    dev,
		logger: logger.With(slog.String("component", "capture")),
	}
}

func (c *Capture) Start(ctx context.Context) error {
	if err := c.dev.Start(); err != nil {
		c.publishError(err)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.publish(protocol.SubjectCaptureStarted, nil)
	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

func (c *Capture) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		samples, err := c.dev.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Device disconnected or read failure: surface it and stop
			// emitting, but do not take the process down.
			c.failed.Store(true)
			c.publishError(err)
			c.publish(protocol.SubjectCaptureStopped, nil)
			return
		}

		if c.paused.Load() {
			continue
		}

		frame := protocol.AudioFrame{
			Sequence:   c.seq.Add(1),
			SampleRate: c.cfg.SampleRate,
			Channels:   c.cfg.Channels,
			PCM:        SamplesToPCM(samples),
			CapturedAt: time.Now().UTC(),
		}
		c.publish(protocol.SubjectAudioFrame, frame)
		c.publish(protocol.SubjectCaptureData, frame)
	}
}

// Pause gates frame emission. The device stays open and hot.
func (c *Capture) Pause() {
	if !c.paused.Swap(true) {
		c.publish(protocol.SubjectCapturePaused, nil)
	}
}

// Resume reopens the gate.
func (c *Capture) Resume() {
	if c.paused.Swap(false) {
		c.publish(protocol.SubjectCaptureResumed, nil)
	}
}

func (c *Capture) Paused() bool { return c.paused.Load() }

func (c *Capture) Healthy() bool { return !c.failed.Load() }

// Close stops the loop and releases the device.
func (c *Capture) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if err := c.dev.Close(); err != nil {
			c.logger.Warn("failed to close input device", slog.String("error", err.Error()))
		}
		c.publish(protocol.SubjectCaptureStopped, nil)
	})
}

func (c *Capture) publish(subject string, payload any) {
	var data []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			c.logger.Warn("failed to marshal capture event", slog.String("error", err.Error()))
			return
		}
		data = encoded
	}
	if err := c.bus.Conn().Publish(subject, data); err != nil {
		c.logger.Warn("failed to publish capture event",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (c *Capture) publishError(err error) {
	c.logger.Error("capture device error", slog.String("error", err.Error()))
	c.publish(protocol.SubjectCaptureError, protocol.ErrorEvent{
		Source:    "capture",
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}
