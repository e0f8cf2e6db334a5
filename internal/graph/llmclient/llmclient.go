// Package llmclient is the HTTP client for the external symbol-
// extraction LLM service named in spec.md §4.6/§6: a shared
// *http.Client, a bounded retry loop with exponential backoff on
// 429/5xx, and structured debug logging via an injected Logger
// interface rather than a concrete logging dependency.
//
// Protocol: server-streamed `data:`-prefixed chunks of OpenAI-style
// choices[0].delta.content, ending in a literal "[DONE]" chunk. This is
// deliberately different from original_source/vibi-dpu/src/llm/utils.rs,
// which speaks a simpler Ollama-style newline-delimited-JSON format —
// spec.md §4.6 explicitly mandates the OpenAI SSE shape, which this
// package implements instead of porting the original's protocol.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vibinex/review-agent/internal/errs"
)

// Logger is the minimal structured-logging seam the client needs, an
// injected interface so tests can substitute a no-op or a recording stub.
type Logger interface {
	Debugf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}

const (
	maxRetries     = 3
	retryBaseDelay = 250 * time.Millisecond
)

// Client posts chat-completion requests and concatenates the streamed
// response.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     Logger
}

// Option configures a Client via the functional-option pattern.
type Option func(*Client)

func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a Client against baseURL (the LLM HTTP endpoint,
// external per spec.md §1) using model for every completion request.
func NewClient(baseURL, apiKey, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete posts prompt as a single user message and concatenates the
// streamed completion. A single LLM failure is returned to the caller,
// who treats it as a skip per spec.md §4.6 ("A single LLM failure skips
// a chunk").
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:  c.model,
		Stream: true,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", errs.Wrap(err, "encode llm request")
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, retryable, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.logger.Debugf("llm request attempt %d failed: %v", attempt, err)
		if !retryable {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryBaseDelay * time.Duration(1<<(attempt-1))):
		}
	}
	return "", errs.NewTransientHttp("llm completion", lastErr)
}

func (c *Client) doRequest(ctx context.Context, body []byte) (result string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("llm endpoint returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", false, fmt.Errorf("llm endpoint returned HTTP %d", resp.StatusCode)
	}

	text, err := concatenateSSE(resp.Body)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

// concatenateSSE reads `data:`-prefixed SSE chunks until "[DONE]",
// concatenating choices[0].delta.content across chunks.
func concatenateSSE(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var b strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		if payload == "" {
			continue
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed chunk: skip it, do not abort the whole stream.
			continue
		}
		if len(chunk.Choices) > 0 {
			b.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// StripCodeFence removes a leading ```json (or ```) fence and trailing
// ``` from a completion, per spec.md §4.6: "Responses may be fenced
// with ```json prefix; strip before parsing."
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// PatchUnbalancedJSON appends one closing brace if the completion's
// brace count is unbalanced by exactly one, per spec.md §4.6:
// "Unbalanced trailing JSON is patched by appending one closing brace."
func PatchUnbalancedJSON(s string) string {
	open := strings.Count(s, "{")
	closeCount := strings.Count(s, "}")
	if open == closeCount+1 {
		return s + "}"
	}
	return s
}
