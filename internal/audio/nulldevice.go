package audio

import (
	"errors"
	"sync"
	"time"
)

// NullInput produces silent frames at real-time cadence. Used when no
// capture hardware is available (headless runs, CI).
type NullInput struct {
	frameSize  int
	frameDur   time.Duration
	mu         sync.Mutex
	started    bool
	closed     bool
	lastFrame  time.Time
}

func NewNullInput(sampleRate, frameSize int) *NullInput {
	return &NullInput{
		frameSize: frameSize,
		frameDur:  time.Duration(frameSize) * time.Second / time.Duration(sampleRate),
	}
}

func (d *NullInput) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("null input closed")
	}
	d.started = true
	d.lastFrame = time.Now()
	return nil
}

func (d *NullInput) ReadFrame() ([]int16, error) {
	d.mu.Lock()
	if d.closed || !d.started {
		d.mu.Unlock()
		return nil, errors.New("null input not started")
	}
	next := d.lastFrame.Add(d.frameDur)
	d.lastFrame = next
	d.mu.Unlock()

	if wait := time.Until(next); wait > 0 {
		time.Sleep(wait)
	}
	return make([]int16, d.frameSize), nil
}

func (d *NullInput) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// NullOutput discards samples while emulating real-time rendering, so
// playback pacing and completion events behave as they would on hardware.
type NullOutput struct {
	sampleRate int
	mu         sync.Mutex
	started    bool
	closed     bool
}

func NewNullOutput(sampleRate int) *NullOutput {
	return &NullOutput{sampleRate: sampleRate}
}

func (d *NullOutput) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("null output closed")
	}
	d.started = true
	return nil
}

func (d *NullOutput) Play(samples []int16) error {
	d.mu.Lock()
	if d.closed || !d.started {
		d.mu.Unlock()
		return errors.New("null output not started")
	}
	d.mu.Unlock()
	time.Sleep(time.Duration(len(samples)) * time.Second / time.Duration(d.sampleRate))
	return nil
}

func (d *NullOutput) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
