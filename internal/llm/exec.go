package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/mattn/go-shellwords"
)

// execGenerator pipes a chat request to a local command, for example a
// llama.cpp wrapper script. The command reads one JSON document from stdin and
// writes either {"content": ...} JSON or the raw completion to stdout.
type execGenerator struct {
	argv []string
}

type execMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type execInput struct {
	Messages    []execMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Format      string        `json:"format,omitempty"`
}

type execOutput struct {
	Content string `json:"content"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, failure.Wrap(failure.ErrConfiguration, "llm exec", "parse analysis command", err)
	}
	if len(argv) == 0 {
		return nil, failure.Wrap(failure.ErrConfiguration, "llm exec", "analysis command is empty", nil)
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	in := execInput{MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	if req.System != "" {
		in.Messages = append(in.Messages, execMessage{Role: "system", Content: req.System})
	}
	in.Messages = append(in.Messages, execMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		in.Format = "json"
	}
	stdin, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode exec request: %w", err)
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure.Wrap(failure.ErrUpstream, "llm exec", strings.TrimSpace(stderr.String()), err)
	}

	chunk := Chunk{SessionID: req.SessionID, TraceID: req.TraceID, Latency: time.Since(started)}
	raw := strings.TrimSpace(stdout.String())
	var out execOutput
	if strings.HasPrefix(raw, "{") && json.Unmarshal([]byte(raw), &out) == nil && out.Content != "" {
		chunk.Content = out.Content
		chunk.PromptTokens = out.Usage.PromptTokens
		chunk.CompletionTokens = out.Usage.CompletionTokens
	} else {
		// Anything else is taken as the completion itself, including a bare
		// report object.
		chunk.Content = raw
	}
	if chunk.Content == "" {
		return failure.Wrap(failure.ErrUpstream, "llm exec", "", &EmptyContentError{Op: "llm exec", Snippet: summarizeSnippet(stderr.String())})
	}
	return consumer(chunk)
}
