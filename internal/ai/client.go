// Package ai talks to an OpenAI-compatible text-completion service and
// decodes the JSON objects the pipeline prompts ask for.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Completer sends a prompt and returns the raw completion text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Model() string
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes how to reach the completion service.
type Config struct {
	APIURL     string
	APIKey     string
	Model      string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion service status %d: %s", e.Code, e.Body)
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

// Client is a Completer backed by the /chat/completions endpoint.
type Client struct {
	http     HTTPClient
	apiURL   string
	apiKey   string
	model    string
	executor failsafe.Executor[string]
}

var _ Completer = (*Client)(nil)

// NewClient builds a Client. Transport errors, 429 and 5xx answers are retried
// with exponential backoff up to cfg.MaxRetries times.
func NewClient(httpClient HTTPClient, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.openai.com/v1"
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	retry := retrypolicy.NewBuilder[string]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ string, err error) bool { return Retryable(err) }).
		ReturnLastFailure().
		Build()

	return &Client{
		http:     httpClient,
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		executor: failsafe.With(retry),
	}
}

// Model returns the model identifier sent with every request.
func (c *Client) Model() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends prompt as a single user message and returns the first choice.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.model == "" {
		return "", errors.New("completion model is required")
	}
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	return c.executor.WithContext(ctx).Get(func() (string, error) {
		return c.do(ctx, payload)
	})
}

func (c *Client) do(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &transportError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return "", &StatusError{Code: resp.StatusCode, Body: msg}
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("completion has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Retryable reports whether err is worth another attempt: transport failures,
// rate limiting and server errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	var te *transportError
	return errors.As(err, &te)
}
