// Package portaudio provides PortAudio-backed implementations of the
// audio device contracts. Each device holds its own stream; PortAudio
// initialization is reference counted, so paired Initialize/Terminate
// calls per device are safe.
package portaudio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Input captures mono 16-bit frames from the default input device.
type Input struct {
	frameSize int
	stream    *portaudio.Stream
	buf       []int16
	closeOnce sync.Once
	closeErr  error
}

func NewInput(sampleRate, frameSize int) (*Input, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	buf := make([]int16, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}

	return &Input{frameSize: frameSize, stream: stream, buf: buf}, nil
}

func (d *Input) Start() error {
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	return nil
}

// ReadFrame blocks until the device filled one frame.
func (d *Input) ReadFrame() ([]int16, error) {
	if err := d.stream.Read(); err != nil {
		return nil, fmt.Errorf("read input stream: %w", err)
	}
	frame := make([]int16, d.frameSize)
	copy(frame, d.buf)
	return frame, nil
}

func (d *Input) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.stream.Close()
		_ = portaudio.Terminate()
	})
	return d.closeErr
}

// Output renders mono 16-bit samples to the default output device.
type Output struct {
	bufSize   int
	stream    *portaudio.Stream
	buf       []int16
	closeOnce sync.Once
	closeErr  error
}

func NewOutput(sampleRate, bufSize int) (*Output, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	buf := make([]int16, bufSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), bufSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open output stream: %w", err)
	}

	return &Output{bufSize: bufSize, stream: stream, buf: buf}, nil
}

func (d *Output) Start() error {
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	return nil
}

// Play writes samples through the device buffer, blocking until the last
// block was handed to the device. The final partial block is zero padded.
func (d *Output) Play(samples []int16) error {
	for offset := 0; offset < len(samples); offset += d.bufSize {
		end := offset + d.bufSize
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(d.buf, samples[offset:end])
		for i := n; i < d.bufSize; i++ {
			d.buf[i] = 0
		}
		if err := d.stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}

func (d *Output) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.stream.Close()
		_ = portaudio.Terminate()
	})
	return d.closeErr
}
