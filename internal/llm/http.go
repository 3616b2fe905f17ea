package llm

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 60 * time.Second

// HTTPStatusError reports a non-2xx response from a model endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("llm request: http %d: %s", e.StatusCode, summarizeSnippet(e.Body))
}

// EmptyContentError reports a completion that carried no text.
type EmptyContentError struct {
	Op           string
	FinishReason string
	Snippet      string
}

func (e *EmptyContentError) Error() string {
	return fmt.Sprintf("%s: empty content (finish_reason=%q, response_snippet=%s)", e.Op, e.FinishReason, e.Snippet)
}

// Option customizes HTTP-backed generators.
type Option func(*httpOptions)

type httpOptions struct {
	client *http.Client
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *httpOptions) {
		if client != nil {
			o.client = client
		}
	}
}

func buildHTTPOptions(timeout time.Duration, opts []Option) httpOptions {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	o := httpOptions{client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func summarizeSnippet(body string) string {
	const max = 200
	body = strings.Join(strings.Fields(body), " ")
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}
