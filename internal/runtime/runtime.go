// Package runtime assembles the daemon: telemetry, the event bus, the
// audio devices, and every pipeline service, started in dependency order
// and torn down in reverse so the devices are always released.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/voiceloop-core/internal/audio"
	"github.com/ambiware-labs/voiceloop-core/internal/audio/portaudio"
	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/journal"
	"github.com/ambiware-labs/voiceloop-core/internal/llm"
	"github.com/ambiware-labs/voiceloop-core/internal/natsserver"
	"github.com/ambiware-labs/voiceloop-core/internal/orchestrator"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
	"github.com/ambiware-labs/voiceloop-core/internal/stt"
	"github.com/ambiware-labs/voiceloop-core/internal/tts"
	"github.com/ambiware-labs/voiceloop-core/internal/vad"
)

// playbackBufFrames is the PortAudio output buffer size in samples.
const playbackBufFrames = 2048

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client

	journalStore *journal.Store
	journalSvc   *journal.Service
	capture      *audio.Capture
	playback     *audio.Playback
	micGate      *audio.MicGate
	vadSvc       *vad.Service
	sttSvc       *stt.Service
	llmSvc       *llm.Service
	ttsSvc       *tts.Service
	orchSvc      *orchestrator.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the whole loop up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(); err != nil {
		return err
	}
	defer r.stopBus()

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}

	r.startHTTP(metricsHandler)
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("audio_driver", r.cfg.Audio.Driver))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	r.stopHTTP(shutdownCtx)
	r.stopServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startBus() error {
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.natsServer = srv

	busCfg := r.cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(busCfg, r.logger)
	if err != nil {
		r.natsServer.Shutdown()
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = client
	return nil
}

func (r *Runtime) stopBus() {
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
		r.natsServer = nil
	}
}

func (r *Runtime) startServices(ctx context.Context) error {
	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journalStore = store

	r.journalSvc = journal.NewService(ctx, store, r.busClient, r.logger)
	if err := r.journalSvc.Start(); err != nil {
		return fmt.Errorf("start journal service: %w", err)
	}

	inputDev, outputDev, err := r.openDevices()
	if err != nil {
		return err
	}

	r.playback = audio.NewPlayback(r.busClient, outputDev, r.logger)
	if err := r.playback.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}

	synth, err := r.buildSynthesizer()
	if err != nil {
		return err
	}
	r.ttsSvc = tts.NewService(ctx, r.cfg.TTS, r.busClient, synth, r.logger)
	if err := r.ttsSvc.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}

	generator, err := r.buildGenerator()
	if err != nil {
		return err
	}
	r.llmSvc = llm.NewService(ctx, r.cfg.LLM, r.busClient, generator, r.logger)
	if err := r.llmSvc.Start(); err != nil {
		return fmt.Errorf("start llm service: %w", err)
	}

	recognizer, err := r.buildRecognizer()
	if err != nil {
		return err
	}
	r.sttSvc = stt.NewService(ctx, r.cfg.STT, r.busClient, recognizer, r.logger)
	if err := r.sttSvc.Start(); err != nil {
		return fmt.Errorf("start stt service: %w", err)
	}

	r.vadSvc = vad.NewService(r.cfg.VAD, r.cfg.Audio, r.busClient, r.logger)
	if err := r.vadSvc.Start(); err != nil {
		return fmt.Errorf("start vad service: %w", err)
	}

	r.capture = audio.NewCapture(r.cfg.Audio, r.busClient, inputDev, r.logger)

	r.micGate = audio.NewMicGate(r.busClient, r.capture, r.logger)
	if err := r.micGate.Start(); err != nil {
		return fmt.Errorf("start mic gate: %w", err)
	}

	// The orchestrator announces the listening state on start; every
	// downstream subscriber must already be wired before that happens.
	r.orchSvc = orchestrator.NewService(r.cfg.TTS, r.busClient, r.logger)
	if err := r.orchSvc.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	if err := r.capture.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	return nil
}

// stopServices tears the pipeline down front to back: the mic goes first
// so no new turns begin, the speaker last so in-flight audio can finish
// draining.
func (r *Runtime) stopServices() {
	if r.capture != nil {
		r.capture.Close()
	}
	if r.orchSvc != nil {
		r.orchSvc.Close()
	}
	if r.micGate != nil {
		r.micGate.Close()
	}
	if r.vadSvc != nil {
		r.vadSvc.Close()
	}
	if r.sttSvc != nil {
		r.sttSvc.Close()
	}
	if r.llmSvc != nil {
		r.llmSvc.Close()
	}
	if r.ttsSvc != nil {
		r.ttsSvc.Close()
	}
	if r.playback != nil {
		r.playback.Close()
	}
	if r.journalSvc != nil {
		r.journalSvc.Close()
	}
	if r.journalStore != nil {
		if err := r.journalStore.Close(); err != nil {
			r.logger.Warn("failed to close journal", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) openDevices() (audio.InputDevice, audio.OutputDevice, error) {
	frameSize := r.cfg.Audio.SampleRate * r.cfg.Audio.FrameDurationMS / 1000

	switch r.cfg.Audio.Driver {
	case "portaudio":
		input, err := portaudio.NewInput(r.cfg.Audio.SampleRate, frameSize)
		if err != nil {
			return nil, nil, fmt.Errorf("open input device: %w", err)
		}
		output, err := portaudio.NewOutput(r.cfg.TTS.SampleRate, playbackBufFrames)
		if err != nil {
			_ = input.Close()
			return nil, nil, fmt.Errorf("open output device: %w", err)
		}
		return input, output, nil
	case "null":
		return audio.NewNullInput(r.cfg.Audio.SampleRate, frameSize),
			audio.NewNullOutput(r.cfg.TTS.SampleRate), nil
	default:
		return nil, nil, fmt.Errorf("unknown audio driver %q", r.cfg.Audio.Driver)
	}
}

func (r *Runtime) buildRecognizer() (stt.Recognizer, error) {
	switch r.cfg.STT.Mode {
	case "exec":
		return stt.NewExecRecognizer(r.cfg.STT)
	default:
		return stt.NewMockRecognizer(), nil
	}
}

func (r *Runtime) buildGenerator() (llm.Generator, error) {
	switch r.cfg.LLM.Mode {
	case "ollama":
		return llm.NewOllamaGenerator(r.cfg.LLM.Endpoint, r.cfg.LLM.Model), nil
	case "exec":
		return llm.NewExecGenerator(r.cfg.LLM.Command)
	default:
		return llm.NewMockGenerator(), nil
	}
}

func (r *Runtime) buildSynthesizer() (tts.Synthesizer, error) {
	switch r.cfg.TTS.Mode {
	case "exec":
		return tts.NewExecSynth(r.cfg.TTS.Command, r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
	default:
		return tts.NewMockSynth(r.cfg.TTS.SampleRate, r.cfg.TTS.Channels), nil
	}
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (r *Runtime) stopHTTP(ctx context.Context) {
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(ctx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := r.busClient.Healthy() &&
		(r.capture == nil || r.capture.Healthy()) &&
		(r.playback == nil || r.playback.Healthy())
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	if r.orchSvc == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	machine := r.orchSvc.Machine()
	state := protocol.TurnState{
		TurnID:    machine.CurrentTurnID(),
		State:     machine.State().String(),
		Timestamp: time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"turn_id":%d,"state":%q,"timestamp":%q}`,
		state.TurnID, state.State, state.Timestamp.Format(time.RFC3339Nano))
}
