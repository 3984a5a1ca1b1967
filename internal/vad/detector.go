package vad

import (
	"math"
	"time"

	"github.com/ambiware-labs/voiceloop-core/internal/config"
)

// Event classifies what a processed frame meant for the speech run.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

// Result is the outcome of processing one frame. Frames is populated only
// on EventSpeechEnd and holds the utterance frames in capture order, first
// active frame through last active frame (trailing silence trimmed).
type Result struct {
	Event  Event
	Energy float64
	Frames [][]byte
}

// Detector is an energy-based voice activity detector. It consumes
// fixed-size PCM frames (16-bit little-endian mono) in capture order and
// signals debounced speech-start and silence-timed speech-end boundaries.
//
// Frame energy is RMS amplitude normalized to [0, 1] against full scale.
// A frame at or above the threshold counts as activity and resets the
// silence timer; speech-start is confirmed only after minSpeechFrames
// consecutive active frames, so single-frame blips never open an utterance.
type Detector struct {
	threshold       float64
	silenceDuration time.Duration
	minSpeechFrames int
	sampleRate      int

	pending    [][]byte
	frames     [][]byte
	active     bool
	lastActive int
	silence    time.Duration
}

func NewDetector(cfg config.VADConfig, sampleRate int) *Detector {
	minFrames := cfg.MinSpeechFrames
	if minFrames < 1 {
		minFrames = 1
	}
	return &Detector{
		threshold:       cfg.SilenceThreshold,
		silenceDuration: time.Duration(cfg.SilenceDurationS * float64(time.Second)),
		minSpeechFrames: minFrames,
		sampleRate:      sampleRate,
	}
}

// Process consumes the next frame and reports any boundary it produced.
// The frame is retained by the detector until the utterance is emitted or
// discarded; callers must not mutate it afterwards.
func (d *Detector) Process(pcm []byte) Result {
	energy := Energy(pcm)
	frameDur := d.frameDuration(pcm)

	if !d.active {
		if energy >= d.threshold {
			d.pending = append(d.pending, pcm)
			if len(d.pending) >= d.minSpeechFrames {
				d.frames = d.pending
				d.pending = nil
				d.active = true
				d.lastActive = len(d.frames) - 1
				d.silence = 0
				return Result{Event: EventSpeechStart, Energy: energy}
			}
			return Result{Energy: energy}
		}
		// Active run broken before debounce: the blip is discarded.
		d.pending = nil
		return Result{Energy: energy}
	}

	d.frames = append(d.frames, pcm)
	if energy >= d.threshold {
		d.lastActive = len(d.frames) - 1
		d.silence = 0
		return Result{Energy: energy}
	}

	d.silence += frameDur
	if d.silence < d.silenceDuration {
		return Result{Energy: energy}
	}

	speech := d.frames[:d.lastActive+1]
	d.Reset()
	return Result{Event: EventSpeechEnd, Energy: energy, Frames: speech}
}

// Reset discards any buffered frames and returns the detector to idle.
func (d *Detector) Reset() {
	d.pending = nil
	d.frames = nil
	d.active = false
	d.lastActive = 0
	d.silence = 0
}

// Active reports whether a confirmed speech run is open.
func (d *Detector) Active() bool { return d.active }

func (d *Detector) frameDuration(pcm []byte) time.Duration {
	samples := len(pcm) / 2
	if d.sampleRate <= 0 || samples == 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(d.sampleRate)
}

// Energy returns the RMS amplitude of a 16-bit little-endian PCM frame,
// normalized to [0, 1] against full-scale amplitude.
func Energy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}
