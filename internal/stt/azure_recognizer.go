package stt

import (
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

const azureDefaultTimeout = 30 * time.Second

// azureRecognizer calls the Azure Speech short-audio REST endpoint. Each call
// uploads the buffered utterance as a WAV file.
type azureRecognizer struct {
	key        string
	language   string
	endpoint   string
	httpClient *http.Client
}

// AzureOption customizes the Azure recognizer.
type AzureOption func(*azureRecognizer)

// WithAzureEndpoint overrides the region-derived endpoint.
func WithAzureEndpoint(endpoint string) AzureOption {
	return func(r *azureRecognizer) {
		if endpoint != "" {
			r.endpoint = endpoint
		}
	}
}

// WithAzureHTTPClient overrides the HTTP client.
func WithAzureHTTPClient(client *http.Client) AzureOption {
	return func(r *azureRecognizer) {
		if client != nil {
			r.httpClient = client
		}
	}
}

type azureResponse struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
}

func NewAzureRecognizer(cfg config.SpeechConfig, opts ...AzureOption) (Recognizer, error) {
	key := strings.TrimSpace(cfg.Key)
	region := strings.TrimSpace(cfg.Region)
	if key == "" || region == "" {
		return nil, failure.Wrap(failure.ErrConfiguration, "stt", "azure speech key and region are required", nil)
	}
	timeout := azureDefaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	language := cfg.Language
	if language == "" {
		language = "en-US"
	}
	r := &azureRecognizer{
		key:        key,
		language:   language,
		endpoint:   fmt.Sprintf("https://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1", region),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *azureRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	file, cleanup, err := tempWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	endpoint, err := url.Parse(r.endpoint)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("azure speech endpoint: %w", err)
	}
	query := endpoint.Query()
	query.Set("language", r.language)
	query.Set("format", "simple")
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), file)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("azure speech request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", r.key)
	req.Header.Set("Content-Type", fmt.Sprintf("audio/wav; codecs=audio/pcm; samplerate=%d", sampleRate))
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("azure speech request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("azure speech read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return TranscriptResult{}, fmt.Errorf("azure speech returned status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed azureResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode azure speech response: %w", err)
	}
	switch parsed.RecognitionStatus {
	case "Success":
		return TranscriptResult{Text: strings.TrimSpace(parsed.DisplayText), Confidence: 1}, nil
	case "NoMatch", "InitialSilenceTimeout", "BabbleTimeout":
		return TranscriptResult{}, nil
	default:
		return TranscriptResult{}, fmt.Errorf("azure speech recognition status %q", parsed.RecognitionStatus)
	}
}
