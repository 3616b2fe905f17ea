package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.SpeechConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "azure":
		return NewAzureRecognizer(cfg)
	default:
		return nil, failure.Wrap(failure.ErrConfiguration, "stt", fmt.Sprintf("unknown speech mode %q", cfg.Mode), nil)
	}
}

// RecognizerFunc adapts a function to the Recognizer interface.
type RecognizerFunc func(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)

func (f RecognizerFunc) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	return f(ctx, pcm, sampleRate, channels, final)
}
