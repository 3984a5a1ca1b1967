package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int) (TranscriptResult, error) {
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript length=%d]", len(pcm)),
		Confidence: 0,
	}, nil
}
