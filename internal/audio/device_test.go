package audio

import "testing"

func TestPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1000}
	got := PCMToSamples(SamplesToPCM(samples))
	if len(got) != len(samples) {
		t.Fatalf("length %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestPCMLittleEndian(t *testing.T) {
	pcm := SamplesToPCM([]int16{0x0102})
	if pcm[0] != 0x02 || pcm[1] != 0x01 {
		t.Fatalf("not little-endian: %v", pcm)
	}
}

func TestPCMToSamplesIgnoresTrailingByte(t *testing.T) {
	if got := PCMToSamples([]byte{0x01, 0x00, 0xff}); len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected samples %v", got)
	}
}
