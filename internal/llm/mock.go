package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/standup-recorder/internal/report"
)

// mockGenerator runs the offline heuristic over the transcript and streams the
// encoded report back in two halves, like a real streaming backend would.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	source := req.Input
	if strings.TrimSpace(source) == "" {
		source = req.Prompt
	}
	encoded, err := report.Heuristic(source).Encode()
	if err != nil {
		return err
	}
	half := len(encoded) / 2
	for i, part := range []string{encoded[:half], encoded[half:]} {
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   part,
			Partial:   i == 0,
			Latency:   m.delay,
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
