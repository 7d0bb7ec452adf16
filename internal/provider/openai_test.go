package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowecli/internal/config"
)

func testProviderConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:      "openai",
		BaseURL:   baseURL,
		Model:     "gpt-4o-mini",
		Timeout:   5 * time.Second,
		RPS:       100,
		Burst:     100,
		MaxTokens: 256,
	}
}

func TestOpenAICompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "/chat/completions", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello back"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     12,
				"completion_tokens": 5,
				"total_tokens":      17,
			},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(testProviderConfig(server.URL), "sk-test")
	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello back", resp.Content)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model)
	assert.Equal(t, 256, gotBody.MaxTokens)
}

func TestOpenAICompleteProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key", "type": "auth_error"},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(testProviderConfig(server.URL), "sk-bad")
	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestOpenAICompleteMissingKey(t *testing.T) {
	client := NewOpenAIClient(testProviderConfig("http://127.0.0.1:0"), "")
	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestOpenAICompleteRespectsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewOpenAIClient(testProviderConfig(server.URL), "sk-test")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
}

func TestOpenAICompleteRetriesTransientFailure(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "recovered"}},
			},
		})
	}))
	defer server.Close()

	cfg := testProviderConfig(server.URL)
	cfg.Retries = 2
	client := NewOpenAIClient(cfg, "sk-test")

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, calls)
}

func TestOpenAICompleteRetryBudgetExhausted(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := testProviderConfig(server.URL)
	cfg.Retries = 1
	client := NewOpenAIClient(cfg, "sk-test")

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Equal(t, 2, calls)
}

func TestOpenAICompleteSingleAttemptWhenRetriesDisabled(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewOpenAIClient(testProviderConfig(server.URL), "sk-test")
	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestOpenAICompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := testProviderConfig(server.URL)
	cfg.Retries = 3
	client := NewOpenAIClient(cfg, "sk-test")

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewFactory(t *testing.T) {
	p, err := New(testProviderConfig("https://api.openai.com/v1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	cfg := testProviderConfig("https://example.invalid")
	cfg.Name = "carrier-pigeon"
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
