package audio

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

func publishJSON(t *testing.T, conn *nats.Conn, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Publish(subject, data); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
}

func subscribeSignal(t *testing.T, conn *nats.Conn, subject string) <-chan protocol.TurnRef {
	t.Helper()
	ch := make(chan protocol.TurnRef, 8)
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var ref protocol.TurnRef
		if json.Unmarshal(msg.Data, &ref) == nil {
			ch <- ref
		}
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func waitSignal(t *testing.T, ch <-chan protocol.TurnRef, what string) protocol.TurnRef {
	t.Helper()
	select {
	case ref := <-ch:
		return ref
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return protocol.TurnRef{}
	}
}

func TestPlaybackRendersOutOfOrderChunksInSequence(t *testing.T) {
	client := newTestBus(t)
	out := &recordingOutput{}
	p := NewPlayback(client, out, newLogger())
	if err := p.Start(); err != nil {
		t.Fatalf("start playback: %v", err)
	}
	t.Cleanup(p.Close)

	started := subscribeSignal(t, client.Conn(), protocol.SubjectSpeechPlayback)
	done := subscribeSignal(t, client.Conn(), protocol.SubjectSpeechDone)

	chunkA := SamplesToPCM([]int16{1, 1})
	chunkB := SamplesToPCM([]int16{2, 2, 2})

	// Chunk 1 lands before chunk 0; the renderer must stall, not skip.
	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 1, Sequence: 1, SampleRate: 22050, Channels: 1, PCM: chunkB,
	})
	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 1, Sequence: 0, SampleRate: 22050, Channels: 1, PCM: chunkA,
	})
	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 1, Sequence: 2, SampleRate: 22050, Channels: 1, PCM: []byte{}, Final: true,
	})

	if ref := waitSignal(t, started, "speech started"); ref.TurnID != 1 {
		t.Fatalf("unexpected started turn %d", ref.TurnID)
	}
	if ref := waitSignal(t, done, "speech done"); ref.TurnID != 1 {
		t.Fatalf("unexpected done turn %d", ref.TurnID)
	}

	played := out.snapshot()
	if len(played) != 2 {
		t.Fatalf("expected 2 rendered chunks, got %d", len(played))
	}
	if len(played[0]) != 2 || played[0][0] != 1 {
		t.Fatalf("chunk 0 rendered out of order: %v", played[0])
	}
	if len(played[1]) != 3 || played[1][0] != 2 {
		t.Fatalf("chunk 1 rendered out of order: %v", played[1])
	}
}

func TestPlaybackDropsStaleAndDuplicateChunks(t *testing.T) {
	client := newTestBus(t)
	out := &recordingOutput{}
	p := NewPlayback(client, out, newLogger())
	if err := p.Start(); err != nil {
		t.Fatalf("start playback: %v", err)
	}
	t.Cleanup(p.Close)

	done := subscribeSignal(t, client.Conn(), protocol.SubjectSpeechDone)

	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 2, Sequence: 0, PCM: SamplesToPCM([]int16{5}), Final: true,
	})
	waitSignal(t, done, "turn 2 done")

	// A chunk from the superseded turn and a duplicate of the rendered
	// sequence must both be dropped.
	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 1, Sequence: 0, PCM: SamplesToPCM([]int16{9}),
	})
	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 2, Sequence: 0, PCM: SamplesToPCM([]int16{9}), Final: true,
	})
	time.Sleep(200 * time.Millisecond)

	if played := out.snapshot(); len(played) != 1 {
		t.Fatalf("stale or duplicate chunk was rendered: %d chunks", len(played))
	}
}

func TestPlaybackClearsStagedChunksOnAbort(t *testing.T) {
	client := newTestBus(t)
	out := &recordingOutput{}
	p := NewPlayback(client, out, newLogger())
	if err := p.Start(); err != nil {
		t.Fatalf("start playback: %v", err)
	}
	t.Cleanup(p.Close)

	done := subscribeSignal(t, client.Conn(), protocol.SubjectSpeechDone)

	// Chunk 1 staged with chunk 0 missing: the renderer stalls. The turn
	// then aborts, so the staged chunk must be discarded.
	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 1, Sequence: 1, PCM: SamplesToPCM([]int16{7}),
	})
	time.Sleep(100 * time.Millisecond)
	publishJSON(t, client.Conn(), protocol.SubjectTurnState, protocol.TurnState{
		TurnID: 1, State: "idle", Timestamp: time.Now().UTC(),
	})
	time.Sleep(100 * time.Millisecond)

	// The next turn plays normally from sequence 0.
	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 2, Sequence: 0, PCM: SamplesToPCM([]int16{8}), Final: true,
	})
	if ref := waitSignal(t, done, "turn 2 done"); ref.TurnID != 2 {
		t.Fatalf("unexpected done turn %d", ref.TurnID)
	}

	played := out.snapshot()
	if len(played) != 1 || played[0][0] != 8 {
		t.Fatalf("aborted turn leaked audio: %v", played)
	}
}

func TestPlaybackDeviceErrorPublishesSpeechError(t *testing.T) {
	client := newTestBus(t)
	out := &recordingOutput{fail: errors.New("device gone")}
	p := NewPlayback(client, out, newLogger())
	if err := p.Start(); err != nil {
		t.Fatalf("start playback: %v", err)
	}
	t.Cleanup(p.Close)

	errCh := make(chan protocol.ErrorEvent, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectSpeechError, func(msg *nats.Msg) {
		var evt protocol.ErrorEvent
		if json.Unmarshal(msg.Data, &evt) == nil {
			errCh <- evt
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	publishJSON(t, client.Conn(), protocol.SubjectPlaybackChunk, protocol.PlaybackChunk{
		TurnID: 1, Sequence: 0, PCM: SamplesToPCM([]int16{1}), Final: true,
	})

	select {
	case evt := <-errCh:
		if evt.TurnID != 1 || evt.Source != "playback" {
			t.Fatalf("unexpected error event %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for speech error")
	}
	if p.Healthy() {
		t.Fatal("playback should be unhealthy after device error")
	}
}
