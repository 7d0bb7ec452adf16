package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"crowecli/internal/config"
)

// retryBaseDelay is multiplied by the attempt number between retries.
const retryBaseDelay = 500 * time.Millisecond

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint. A
// client-side rate limiter smooths bursts before the server ever sees them.
// Transient failures are retried up to cfg.Retries additional attempts.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	retries    int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAIClient builds a client from the provider configuration.
func NewOpenAIClient(cfg config.ProviderConfig, apiKey string) *OpenAIClient {
	return &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     apiKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		retries:    cfg.Retries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

// Name implements Provider.
func (c *OpenAIClient) Name() string { return "openai" }

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete implements Provider. Transport errors and retryable status codes
// (429, 502, 503, 504) are retried with a linear backoff until the attempt
// budget is spent or the context is done.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  req.Messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBaseDelay):
			}
		}

		resp, retryable, err := c.send(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// send performs one attempt. The second return value reports whether the
// failure is transient and worth retrying.
func (c *OpenAIClient) send(ctx context.Context, body []byte) (*Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Transport failures are retryable unless the context ended.
		return nil, ctx.Err() == nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read provider response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("provider error: status %d", resp.StatusCode)
		var parsed chatResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			statusErr = fmt.Errorf("provider error (status %d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, retryableStatus(resp.StatusCode), statusErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, fmt.Errorf("parse provider response (status %d): %w", resp.StatusCode, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, false, fmt.Errorf("provider returned no choices")
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage:   parsed.Usage,
	}, false, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
