package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewOpenAI(Config{
		BaseURL:     srv.URL + "/v1",
		APIKey:      "test-key",
		Model:       "test/model",
		Timeout:     5 * time.Second,
		Temperature: 0.2,
		MaxTokens:   256,
	})
	require.NoError(t, err)
	return client
}

func TestOpenAI_Complete(t *testing.T) {
	var body map[string]any
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  "test/model",
			"choices": []map[string]any{
				{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": "pong"}},
			},
		})
	})

	out, err := client.Complete(context.Background(), Request{System: "be brief", User: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	assert.Equal(t, "test/model", body["model"])
	assert.Equal(t, 0.2, body["temperature"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   domain.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, domain.KindTransient},
		{"server error", http.StatusBadGateway, domain.KindTransient},
		{"unauthorized", http.StatusUnauthorized, domain.KindPermanent},
		{"bad request", http.StatusBadRequest, domain.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			})

			_, err := client.Complete(context.Background(), Request{User: "ping"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, 7*time.Second, domain.RetryAfter(err))
			}
		})
	}
}

func TestOpenAI_EmptyAnswerIsTransient(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"index": 0, "finish_reason": "length", "message": map[string]any{"role": "assistant", "content": "  "}},
			},
		})
	})

	_, err := client.Complete(context.Background(), Request{User: "ping"})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestNewOpenAI_RequiresModel(t *testing.T) {
	_, err := NewOpenAI(Config{BaseURL: "http://localhost"})
	assert.Error(t, err)
}
