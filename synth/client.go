// Package synth turns a fetched snapshot into review documentation by way
// of an OpenRouter-compatible chat completion API.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SrivatsaRv/documo/config"
	"github.com/SrivatsaRv/documo/errors"
	"github.com/SrivatsaRv/documo/internal/httpclient"
)

// Client is a thin chat-completions client. It makes exactly one API call
// per Chat invocation and classifies failures; retry policy belongs to the
// caller.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *httpclient.SaferClient
	limiter     *rate.Limiter
	logger      *zap.SugaredLogger
}

// NewClient creates a client from configuration. Outbound calls are paced
// to cfg.CallsPerMinute so one noisy repository cannot exhaust the API quota.
func NewClient(cfg config.SynthesisConfig, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	perMinute := cfg.CallsPerMinute
	if perMinute <= 0 {
		perMinute = 20
	}
	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  httpclient.NewSaferClient(120 * time.Second),
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:      logger.Named("synth"),
	}
}

// ChatRequest is a single prompt exchange.
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
}

// ChatResponse is the model's reply plus its token accounting.
type ChatResponse struct {
	Content string
	Usage   Usage
}

// Usage mirrors the API's token counters.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates counters across calls.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends one completion request. Rate-limit responses carry the
// server's retry-after hint; upstream outages are marked transient.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("synthesis API key not configured")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter wait interrupted")
	}

	body, err := json.Marshal(completionRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "documo")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.MarkTransient(errors.Wrap(err, "completion request failed"))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.MarkTransient(errors.Wrap(err, "failed to read response"))
	}

	if err := classifyStatus(resp, respBody); err != nil {
		return nil, err
	}

	var completion completionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	if len(completion.Choices) == 0 {
		return nil, errors.Wrap(errors.ErrSynthesisFailed, "no response choices")
	}

	c.logger.Debugw("Completion received",
		"model", c.model,
		"prompt_tokens", completion.Usage.PromptTokens,
		"completion_tokens", completion.Usage.CompletionTokens)

	return &ChatResponse{
		Content: strings.TrimSpace(completion.Choices[0].Message.Content),
		Usage:   completion.Usage,
	}, nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := errors.Wrapf(errors.ErrRateLimited, "completion API: %s", truncateBody(body))
		if after, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			err = errors.WithRetryAfter(err, after)
		}
		return err
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errors.Newf("completion API rejected credentials (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return errors.MarkTransient(errors.Newf("completion API unavailable (status %d): %s", resp.StatusCode, truncateBody(body)))
	default:
		return errors.Newf("completion API request failed (status %d): %s", resp.StatusCode, truncateBody(body))
	}
}

func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func truncateBody(body []byte) string {
	const limit = 256
	s := string(body)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// SetHTTPClient overrides the HTTP client. Only for tests that talk to
// httptest servers.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}
