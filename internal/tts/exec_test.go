package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSynthScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func chunkLine(pcm []byte) string {
	return fmt.Sprintf(`{"pcm_base64":"%s"}`, base64.StdEncoding.EncodeToString(pcm))
}

func TestExecSynthStreamsDecodedPCM(t *testing.T) {
	script := writeSynthScript(t, fmt.Sprintf("echo '%s'\necho '%s'\n",
		chunkLine([]byte{1, 2, 3, 4}), chunkLine([]byte{5, 6})))
	synth, err := NewExecSynth("sh "+script, 22050, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunks, errs := synth.Synthesize(ctx, SynthRequest{Text: "hello"})

	var pcm []byte
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.SampleRate != 22050 || chunk.Channels != 1 {
				t.Fatalf("unexpected format %d/%d", chunk.SampleRate, chunk.Channels)
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if ok && err != nil {
				t.Fatalf("synthesize: %v", err)
			}
			errs = nil
		case <-ctx.Done():
			t.Fatal("timed out draining synthesis stream")
		}
	}
	if want := []byte{1, 2, 3, 4, 5, 6}; !bytes.Equal(pcm, want) {
		t.Fatalf("pcm = %v, want %v", pcm, want)
	}
}

func TestExecSynthAbandonedStreamDoesNotBlockNextRequest(t *testing.T) {
	// Emits one chunk and then hangs, the way a stuck model process would.
	script := writeSynthScript(t, fmt.Sprintf("echo '%s'\nsleep 60\n",
		chunkLine(make([]byte, 8))))
	synth, err := NewExecSynth("sh "+script, 22050, 1)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}

	// Walk away from the first stream without ever receiving from it.
	abandoned, cancelAbandoned := context.WithCancel(context.Background())
	_, _ = synth.Synthesize(abandoned, SynthRequest{Text: "first"})
	cancelAbandoned()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chunks, errs := synth.Synthesize(ctx, SynthRequest{Text: "second"})
	select {
	case chunk, ok := <-chunks:
		if !ok {
			t.Fatalf("stream closed without audio: %v", <-errs)
		}
		if len(chunk.PCM) == 0 {
			t.Fatal("expected audio from the second request")
		}
	case err := <-errs:
		t.Fatalf("second synthesis failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("second synthesis blocked behind the abandoned stream")
	}
}
