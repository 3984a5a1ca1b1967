package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type AudioConfig struct {
	Driver          string `yaml:"driver"` // portaudio, null
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type VADConfig struct {
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SilenceDurationS float64 `yaml:"silence_duration_s"`
	MinSpeechFrames  int     `yaml:"min_speech_frames"`
	MinUtteranceMS   int     `yaml:"min_utterance_ms"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // mock, ollama, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	MaxHistory   int     `yaml:"max_history"`
}

type TTSConfig struct {
	Mode       string  `yaml:"mode"` // mock, exec
	Command    string  `yaml:"command"`
	Voice      string  `yaml:"voice"`
	Speed      float64 `yaml:"speed"`
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Journal     JournalConfig   `yaml:"journal"`
}

func Default() Config {
	return Config{
		RuntimeName: "voiceloop",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Driver:          "portaudio",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 50,
		},
		VAD: VADConfig{
			SilenceThreshold: 0.01,
			SilenceDurationS: 1.0,
			MinSpeechFrames:  2,
			MinUtteranceMS:   1000,
		},
		STT: STTConfig{
			Mode: "mock",
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
			MaxHistory:  40,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "af_heart",
			Speed:      1.5,
			SampleRate: 22050,
			Channels:   1,
		},
		Journal: JournalConfig{
			Path:          "./data/voiceloop-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxTurns:      10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICELOOP_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICELOOP_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICELOOP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICELOOP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICELOOP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICELOOP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICELOOP_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICELOOP_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICELOOP_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICELOOP_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICELOOP_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICELOOP_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICELOOP_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICELOOP_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICELOOP_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Driver, "VOICELOOP_AUDIO_DRIVER")
	overrideInt(&cfg.Audio.SampleRate, "VOICELOOP_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "VOICELOOP_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "VOICELOOP_AUDIO_FRAME_DURATION_MS")
	overrideFloat(&cfg.VAD.SilenceThreshold, "VOICELOOP_VAD_SILENCE_THRESHOLD")
	overrideFloat(&cfg.VAD.SilenceDurationS, "VOICELOOP_VAD_SILENCE_DURATION_S")
	overrideInt(&cfg.VAD.MinSpeechFrames, "VOICELOOP_VAD_MIN_SPEECH_FRAMES")
	overrideInt(&cfg.VAD.MinUtteranceMS, "VOICELOOP_VAD_MIN_UTTERANCE_MS")
	overrideString(&cfg.STT.Mode, "VOICELOOP_STT_MODE")
	overrideString(&cfg.STT.Command, "VOICELOOP_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOICELOOP_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VOICELOOP_STT_LANGUAGE")
	overrideString(&cfg.LLM.Mode, "VOICELOOP_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "VOICELOOP_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "VOICELOOP_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "VOICELOOP_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "VOICELOOP_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "VOICELOOP_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOICELOOP_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.MaxHistory, "VOICELOOP_LLM_MAX_HISTORY")
	overrideString(&cfg.TTS.Mode, "VOICELOOP_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICELOOP_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "VOICELOOP_TTS_VOICE")
	overrideFloat(&cfg.TTS.Speed, "VOICELOOP_TTS_SPEED")
	overrideInt(&cfg.TTS.SampleRate, "VOICELOOP_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "VOICELOOP_TTS_CHANNELS")
	overrideString(&cfg.Journal.Path, "VOICELOOP_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "VOICELOOP_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "VOICELOOP_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxTurns, "VOICELOOP_JOURNAL_MAX_TURNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "VOICELOOP_JOURNAL_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Audio.Driver {
	case "portaudio", "null":
	default:
		return errors.New("audio.driver must be one of portaudio|null")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1 (mono capture)")
	}
	if cfg.Audio.FrameDurationMS < 10 || cfg.Audio.FrameDurationMS > 100 {
		return errors.New("audio.frame_duration_ms must be between 10 and 100")
	}
	if cfg.VAD.SilenceThreshold < 0 || cfg.VAD.SilenceThreshold > 1 {
		return errors.New("vad.silence_threshold must be within [0, 1]")
	}
	if cfg.VAD.SilenceDurationS <= 0 {
		return errors.New("vad.silence_duration_s must be positive")
	}
	if cfg.VAD.MinSpeechFrames < 1 {
		return errors.New("vad.min_speech_frames must be >= 1")
	}
	if cfg.VAD.MinUtteranceMS < 0 {
		return errors.New("vad.min_utterance_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Voice == "" {
		return errors.New("tts.voice must not be empty")
	}
	if cfg.TTS.Speed <= 0 {
		return errors.New("tts.speed must be positive")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
