package orchestrator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/natsserver"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

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

func publishEvent(t *testing.T, conn *nats.Conn, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Publish(subject, data); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
}

func collect[T any](t *testing.T, conn *nats.Conn, subject string) <-chan T {
	t.Helper()
	ch := make(chan T, 32)
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var payload T
		if json.Unmarshal(msg.Data, &payload) == nil {
			ch <- payload
		}
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func next[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func waitState(t *testing.T, ch <-chan protocol.TurnState, want string) protocol.TurnState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-ch:
			if state.State == want {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func TestServiceDrivesFullTurnOverBus(t *testing.T) {
	client := newTestBus(t)

	states := collect[protocol.TurnState](t, client.Conn(), protocol.SubjectTurnState)
	genReqs := collect[protocol.GenerateRequest](t, client.Conn(), protocol.SubjectGenerateRequest)
	synthReqs := collect[protocol.SynthesizeRequest](t, client.Conn(), protocol.SubjectSynthesizeRequest)

	ttsCfg := config.TTSConfig{Voice: "af_heart", Speed: 1.5}
	svc := NewService(ttsCfg, client, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	waitState(t, states, "listening")

	publishEvent(t, client.Conn(), protocol.SubjectSpeechEnded, protocol.Utterance{
		ID: "utt-1", SampleRate: 16000, Channels: 1, DurationMS: 1200,
	})
	waitState(t, states, "transcribing")

	publishEvent(t, client.Conn(), protocol.SubjectTranscriptionResult, protocol.Transcript{
		UtteranceID: "utt-1", Text: "what is the weather", Timestamp: time.Now().UTC(),
	})
	waitState(t, states, "generating")

	genReq := next(t, genReqs, "generation request")
	if genReq.Prompt != "what is the weather" {
		t.Fatalf("unexpected prompt %q", genReq.Prompt)
	}
	turnID := genReq.TurnID

	publishEvent(t, client.Conn(), protocol.SubjectResponseChunk, protocol.ResponseChunk{
		TurnID: turnID, Content: "It is sunny. ", Timestamp: time.Now().UTC(),
	})
	waitState(t, states, "speaking")

	first := next(t, synthReqs, "first synthesis request")
	if first.Text != "It is sunny." || first.Sequence != 0 || first.Final {
		t.Fatalf("unexpected synthesis request %+v", first)
	}
	if first.Voice != "af_heart" || first.Speed != 1.5 {
		t.Fatalf("voice settings not applied: %+v", first)
	}

	publishEvent(t, client.Conn(), protocol.SubjectResponseCompleted, protocol.ResponseChunk{
		TurnID: turnID, Content: "It is sunny.", Done: true, Timestamp: time.Now().UTC(),
	})
	final := next(t, synthReqs, "final synthesis request")
	if !final.Final || final.Sequence != 1 {
		t.Fatalf("unexpected final marker %+v", final)
	}

	publishEvent(t, client.Conn(), protocol.SubjectSpeechDone, protocol.TurnRef{
		TurnID: turnID, Timestamp: time.Now().UTC(),
	})
	idle := waitState(t, states, "idle")
	if idle.TurnID != turnID {
		t.Fatalf("idle announced for turn %d, want %d", idle.TurnID, turnID)
	}
	waitState(t, states, "listening")
}

func TestServiceAbortsTurnOnGenerationError(t *testing.T) {
	client := newTestBus(t)
	states := collect[protocol.TurnState](t, client.Conn(), protocol.SubjectTurnState)
	genReqs := collect[protocol.GenerateRequest](t, client.Conn(), protocol.SubjectGenerateRequest)

	svc := NewService(config.TTSConfig{Voice: "v", Speed: 1}, client, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	waitState(t, states, "listening")
	publishEvent(t, client.Conn(), protocol.SubjectSpeechEnded, protocol.Utterance{ID: "utt-1"})
	waitState(t, states, "transcribing")
	publishEvent(t, client.Conn(), protocol.SubjectTranscriptionResult, protocol.Transcript{
		UtteranceID: "utt-1", Text: "hello",
	})
	genReq := next(t, genReqs, "generation request")

	publishEvent(t, client.Conn(), protocol.SubjectResponseError, protocol.ErrorEvent{
		TurnID: genReq.TurnID, Source: "llm", Message: "backend down",
	})
	waitState(t, states, "idle")
	waitState(t, states, "listening")
}
