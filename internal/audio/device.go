package audio

import "encoding/binary"

// InputDevice is a capture device producing fixed-size blocks of mono
// 16-bit samples. ReadFrame blocks until the next frame is available, so
// the device's own pacing drives the capture loop.
type InputDevice interface {
	Start() error
	ReadFrame() ([]int16, error)
	Close() error
}

// OutputDevice renders mono 16-bit samples. Play blocks until the buffer
// has been handed to the device in full, which is what lets the playback
// loop render chunks back to back without gaps.
type OutputDevice interface {
	Start() error
	Play(samples []int16) error
	Close() error
}

// SamplesToPCM encodes samples as 16-bit little-endian PCM.
func SamplesToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// PCMToSamples decodes 16-bit little-endian PCM. A trailing odd byte is
// ignored.
func PCMToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}
