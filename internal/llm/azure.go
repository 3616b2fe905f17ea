package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
)

const jsonResponseType = "json_object"

// azureGenerator calls the Azure OpenAI chat completions API.
type azureGenerator struct {
	endpoint   string
	apiKey     string
	deployment string
	apiVersion string
	httpClient *http.Client
}

func NewAzureGenerator(cfg config.AnalysisConfig, opts ...Option) (Generator, error) {
	var missing []string
	if strings.TrimSpace(cfg.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "api key")
	}
	if strings.TrimSpace(cfg.Deployment) == "" {
		missing = append(missing, "deployment")
	}
	if len(missing) > 0 {
		return nil, failure.Wrap(failure.ErrConfiguration, "llm azure", "missing "+strings.Join(missing, ", "), nil)
	}
	apiVersion := strings.TrimSpace(cfg.APIVersion)
	if apiVersion == "" {
		apiVersion = config.DefaultAzureAPIVersion
	}
	o := buildHTTPOptions(time.Duration(cfg.TimeoutMS)*time.Millisecond, opts)
	return &azureGenerator{
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		deployment: strings.TrimSpace(cfg.Deployment),
		apiVersion: apiVersion,
		httpClient: o.client,
	}, nil
}

type chatCompletionRequest struct {
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      chatCompletionMessage `json:"message"`
		Delta        chatCompletionMessage `json:"delta"`
		Text         string                `json:"text"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletionMessage struct {
	Content string `json:"content"`
}

func (g *azureGenerator) url() string {
	query := url.Values{}
	query.Set("api-version", g.apiVersion)
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?%s", g.endpoint, url.PathEscape(g.deployment), query.Encode())
}

func (g *azureGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	const op = "llm azure"
	payload := chatCompletionRequest{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: system})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		payload.ResponseFormat = map[string]string{"type": jsonResponseType}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode body: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url(), bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%s: new request: %w", op, err)
	}
	httpReq.Header.Set("api-key", g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return failure.Wrap(failure.ErrUpstream, op, "http error", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure.Wrap(failure.ErrUpstream, op, "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return failure.Wrap(failure.ErrUpstream, op, "", &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return failure.Wrap(failure.ErrUpstream, op, "decode completion", err)
	}
	if completion.Error != nil && strings.TrimSpace(completion.Error.Message) != "" {
		return failure.Wrap(failure.ErrUpstream, op, completion.Error.Message, nil)
	}
	content, finishReason := extractCompletionPayload(completion)
	if content == "" {
		return failure.Wrap(failure.ErrUpstream, op, "", &EmptyContentError{
			Op:           op,
			FinishReason: finishReason,
			Snippet:      summarizeSnippet(string(body)),
		})
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          content,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}

func extractCompletionPayload(completion chatCompletionResponse) (string, string) {
	var finishReason string
	for _, choice := range completion.Choices {
		if finishReason == "" {
			finishReason = strings.TrimSpace(choice.FinishReason)
		}
		for _, content := range []string{choice.Message.Content, choice.Delta.Content, choice.Text} {
			if trimmed := strings.TrimSpace(content); trimmed != "" {
				return trimmed, finishReason
			}
		}
	}
	return "", finishReason
}
