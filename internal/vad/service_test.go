package vad

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/natsserver"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func publishFrame(t *testing.T, conn *nats.Conn, pcm []byte) {
	t.Helper()
	data, err := json.Marshal(protocol.AudioFrame{
		SampleRate: testSampleRate,
		Channels:   1,
		PCM:        pcm,
		CapturedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Publish(protocol.SubjectAudioFrame, data); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func TestServiceEmitsUtterance(t *testing.T) {
	client := newTestBus(t)
	cfg := config.VADConfig{SilenceThreshold: 0.02, SilenceDurationS: 0.2, MinSpeechFrames: 1, MinUtteranceMS: 0}
	audioCfg := config.AudioConfig{SampleRate: testSampleRate, Channels: 1, FrameDurationMS: 50}
	svc := NewService(cfg, audioCfg, client, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	starts := make(chan protocol.SpeechMark, 1)
	subStart, err := client.Conn().Subscribe(protocol.SubjectSpeechStarted, func(msg *nats.Msg) {
		var mark protocol.SpeechMark
		if json.Unmarshal(msg.Data, &mark) == nil {
			starts <- mark
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = subStart.Unsubscribe() })

	utterances := make(chan protocol.Utterance, 1)
	subEnd, err := client.Conn().Subscribe(protocol.SubjectSpeechEnded, func(msg *nats.Msg) {
		var utt protocol.Utterance
		if json.Unmarshal(msg.Data, &utt) == nil {
			utterances <- utt
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = subEnd.Unsubscribe() })

	// Three speech frames, then enough quiet to close the 200ms window.
	for i := 0; i < 3; i++ {
		publishFrame(t, client.Conn(), frame(0.5))
	}
	for i := 0; i < 5; i++ {
		publishFrame(t, client.Conn(), frame(0.001))
	}

	var mark protocol.SpeechMark
	select {
	case mark = <-starts:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for speech start")
	}
	if mark.UtteranceID == "" {
		t.Fatal("speech start without utterance id")
	}

	select {
	case utt := <-utterances:
		if utt.ID != mark.UtteranceID {
			t.Fatalf("utterance id %q does not match start %q", utt.ID, mark.UtteranceID)
		}
		if utt.Frames != 3 {
			t.Fatalf("expected 3 frames, got %d", utt.Frames)
		}
		if utt.DurationMS != 150 {
			t.Fatalf("expected 150ms utterance, got %dms", utt.DurationMS)
		}
		if len(utt.PCM) != 3*testFrameSize*2 {
			t.Fatalf("unexpected pcm size %d", len(utt.PCM))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for utterance")
	}
}

func TestServiceDiscardsShortUtterance(t *testing.T) {
	client := newTestBus(t)
	cfg := config.VADConfig{SilenceThreshold: 0.02, SilenceDurationS: 0.2, MinSpeechFrames: 1, MinUtteranceMS: 1000}
	audioCfg := config.AudioConfig{SampleRate: testSampleRate, Channels: 1, FrameDurationMS: 50}
	svc := NewService(cfg, audioCfg, client, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	utterances := make(chan protocol.Utterance, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectSpeechEnded, func(msg *nats.Msg) {
		var utt protocol.Utterance
		if json.Unmarshal(msg.Data, &utt) == nil {
			utterances <- utt
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	// 150ms of speech is below the 1s minimum.
	for i := 0; i < 3; i++ {
		publishFrame(t, client.Conn(), frame(0.5))
	}
	for i := 0; i < 5; i++ {
		publishFrame(t, client.Conn(), frame(0.001))
	}

	select {
	case utt := <-utterances:
		t.Fatalf("short utterance leaked: %+v", utt)
	case <-time.After(500 * time.Millisecond):
	}
}
