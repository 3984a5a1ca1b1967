package protocol

import "time"

// Bus subjects. Topic names follow the component.noun.verb convention;
// payload shape per subject is a fixed contract.
const (
	// Capture lifecycle. No payload except the error subject.
	SubjectCaptureStarted = "audio.capture.started"
	SubjectCaptureStopped = "audio.capture.stopped"
	SubjectCapturePaused  = "audio.capture.paused"
	SubjectCaptureResumed = "audio.capture.resumed"
	SubjectCaptureError   = "audio.capture.error"

	// Raw frames for visualization. Best effort, dropped if unconsumed.
	SubjectCaptureData = "audio.capture.data"

	// Frames on the capture -> VAD path.
	SubjectAudioFrame = "audio.frame"

	SubjectSpeechStarted = "vad.speech.started"
	SubjectSpeechEnded   = "vad.speech.ended"

	SubjectTranscriptionStarted = "stt.transcription.started"
	SubjectTranscriptionResult  = "stt.transcription.result"
	SubjectTranscriptionError   = "stt.transcription.error"

	SubjectGenerateRequest   = "llm.generate.request"
	SubjectResponseStarted   = "llm.response.started"
	SubjectResponseChunk     = "llm.response.chunk"
	SubjectResponseCompleted = "llm.response.completed"
	SubjectResponseError     = "llm.response.error"

	SubjectSynthesizeRequest = "tts.synthesize.request"
	SubjectPlaybackChunk     = "tts.audio.chunk"
	SubjectSpeechPlayback    = "tts.speech.started"
	SubjectSpeechDone        = "tts.speech.ended"
	SubjectSpeechError       = "tts.speech.error"

	SubjectTurnState = "turn.state.changed"

	// Token wildcard matching every three-token *.error subject above.
	SubjectAnyError = "*.*.error"
)

// AudioFrame is one fixed-size block of mono PCM (16-bit little-endian)
// read from the input device.
type AudioFrame struct {
	Sequence   uint64    `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	CapturedAt time.Time `json:"captured_at"`
}

// SpeechMark signals a confirmed speech-start.
type SpeechMark struct {
	UtteranceID string    `json:"utterance_id"`
	At          time.Time `json:"at"`
}

// Utterance is one contiguous span of detected speech, speech-start through
// the last active frame, in capture order.
type Utterance struct {
	ID         string    `json:"id"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	Frames     int       `json:"frames"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Transcript is the recognizer output for one utterance.
type Transcript struct {
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// GenerateRequest asks the generation collaborator for a streamed response.
type GenerateRequest struct {
	TurnID    uint64    `json:"turn_id"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponseChunk is one streamed increment of generated text. The completed
// event carries the full accumulated response instead of a delta.
type ResponseChunk struct {
	TurnID    uint64    `json:"turn_id"`
	Content   string    `json:"content"`
	Done      bool      `json:"done"`
	Timestamp time.Time `json:"timestamp"`
}

// SynthesizeRequest asks the synthesis collaborator for audio for one text
// chunk. Sequence is the chunk index within the turn; Final marks the last
// chunk of the turn (its text may be empty when the response ended exactly
// on a sentence boundary).
type SynthesizeRequest struct {
	TurnID   uint64  `json:"turn_id"`
	Sequence int     `json:"sequence"`
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Speed    float64 `json:"speed"`
	Final    bool    `json:"final"`
}

// PlaybackChunk is one ordered unit of synthesized audio belonging to a
// turn's response. Sequence is strictly increasing per turn.
type PlaybackChunk struct {
	TurnID     uint64 `json:"turn_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TurnRef identifies a turn in lifecycle events.
type TurnRef struct {
	TurnID    uint64    `json:"turn_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnState announces an orchestrator state transition.
type TurnState struct {
	TurnID    uint64    `json:"turn_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is the payload of every *.error subject.
type ErrorEvent struct {
	TurnID    uint64    `json:"turn_id,omitempty"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
