package stt

import (
	"context"
	"strings"
	"sync"
)

var mockScript = []string{
	"Yesterday I finished the onboarding flow and merged the API changes.",
	"Today I will write integration tests for the export job.",
	"I'm blocked on access to the staging database.",
	"I also reviewed two pull requests, which went smoothly.",
}

// mockRecognizer recites a canned standup, one sentence per utterance. Interim
// results reveal the next sentence word by word in proportion to the audio
// received.
type mockRecognizer struct {
	mu   sync.Mutex
	next int
}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sentence := mockScript[m.next%len(mockScript)]
	if final {
		m.next++
		return TranscriptResult{Text: sentence, Confidence: 1}, nil
	}

	words := strings.Fields(sentence)
	seconds := 0.0
	if sampleRate > 0 && channels > 0 {
		seconds = float64(len(pcm)/2) / float64(sampleRate*channels)
	}
	// roughly two and a half words per second of speech
	n := int(seconds*2.5) + 1
	if n > len(words) {
		n = len(words)
	}
	return TranscriptResult{Text: strings.Join(words[:n], " "), Confidence: 0.5}, nil
}
