package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/standup-recorder/internal/failure"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "llama3.2:latest"
)

// ollamaGenerator talks to a local Ollama daemon through /api/chat and forwards
// every streamed message delta to the consumer.
type ollamaGenerator struct {
	chatURL string
	model   string
	client  *http.Client
}

func NewOllamaGenerator(endpoint, model string, opts ...Option) Generator {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if base == "" {
		base = defaultOllamaEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOllamaModel
	}
	// No client timeout: a long stream is bounded by the request context.
	o := buildHTTPOptions(0, append([]Option{WithHTTPClient(&http.Client{})}, opts...))
	return &ollamaGenerator{chatURL: base + "/api/chat", model: model, client: o.client}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Format   string          `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaEvent struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	const op = "llm ollama"

	body := ollamaRequest{Model: g.model, Stream: true, Options: map[string]any{"temperature": req.Temperature}}
	if req.MaxTokens > 0 {
		body.Options["num_predict"] = req.MaxTokens
	}
	if req.System != "" {
		body.Messages = append(body.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, ollamaMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.Format = "json"
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.chatURL, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return failure.Wrap(failure.ErrUpstream, op, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return failure.Wrap(failure.ErrUpstream, op, "", &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(raw)})
	}

	started := time.Now()
	dec := json.NewDecoder(resp.Body)
	var sawText bool
	for {
		var ev ollamaEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return failure.Wrap(failure.ErrUpstream, op, "decode stream", err)
		}
		if ev.Error != "" {
			return failure.Wrap(failure.ErrUpstream, op, ev.Error, nil)
		}
		sawText = sawText || ev.Message.Content != ""
		chunk := Chunk{
			SessionID: req.SessionID,
			Content:   ev.Message.Content,
			Partial:   !ev.Done,
			Latency:   time.Since(started),
			TraceID:   req.TraceID,
		}
		if ev.Done {
			chunk.PromptTokens = ev.PromptEvalCount
			chunk.CompletionTokens = ev.EvalCount
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if ev.Done {
			break
		}
	}
	if !sawText {
		return failure.Wrap(failure.ErrUpstream, op, "", &EmptyContentError{Op: op})
	}
	return nil
}
