package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
)

// Request describes a language model prompt.
type Request struct {
	SessionID string
	System    string
	Prompt    string
	// Input is the raw text the prompt was built from.
	Input       string
	MaxTokens   int
	Temperature float64
	JSON        bool
	TraceID     string
}

// Chunk represents model output. Streaming backends deliver several partial
// chunks followed by a final one.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds request defaults from config.
func RequestFromConfig(cfg config.AnalysisConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature, JSON: true}
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.AnalysisConfig, opts ...Option) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "mock":
		return NewMockGenerator(), nil
	case "azure":
		return NewAzureGenerator(cfg, opts...)
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, opts...), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, failure.Wrap(failure.ErrConfiguration, "llm", fmt.Sprintf("unknown analysis mode %q", cfg.Mode), nil)
	}
}

// Collect runs gen and concatenates every chunk into one completion.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var b strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
