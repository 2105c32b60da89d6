package mistral

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/chatball/internal/core/llm"
)

func testRequest() llm.Request {
	return llm.Request{
		Prompt: llm.Prompt{System: "You are a ref.", User: "CONTEXT:\n- rule\n\nUSER:\nWhat is a foul?"},
		Params: llm.Params{Model: "mistral-small-latest", MaxTokens: 800, Temperature: 0.2},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/", Timeout: timeout})
	require.NoError(t, err)
	return c
}

func TestNewClient_MissingAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrMisconfigured)
	assert.Contains(t, err.Error(), "MISTRAL_API_KEY is not set.")
}

func TestClient_CompleteSuccess(t *testing.T) {
	var got struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "cmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "mistral-small-latest",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "  A foul is illegal contact.\n"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}, time.Second)

	answer, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "A foul is illegal contact.", answer)

	assert.Equal(t, "mistral-small-latest", got.Model)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	assert.Equal(t, 800, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "You are a ref.", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestClient_CompleteClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind error
		wantMsg  string
	}{
		{
			name:     "402は課金エラー",
			status:   http.StatusPaymentRequired,
			body:     `{"object":"error","message":"insufficient credits","type":"billing_error"}`,
			wantKind: llm.ErrNoCredits,
			wantMsg:  "billing/auth: 402",
		},
		{
			name:     "401も課金エラーとして扱う",
			status:   http.StatusUnauthorized,
			body:     `{"object":"error","message":"Unauthorized","type":"invalid_request_error"}`,
			wantKind: llm.ErrNoCredits,
			wantMsg:  "billing/auth: 401",
		},
		{
			name:     "課金語彙を含む429",
			status:   http.StatusTooManyRequests,
			body:     `{"object":"error","message":"Monthly quota exceeded","type":"rate_limit"}`,
			wantKind: llm.ErrNoCredits,
			wantMsg:  "billing/credits error",
		},
		{
			name:     "語彙を含まない500は利用不可",
			status:   http.StatusInternalServerError,
			body:     `{"object":"error","message":"internal failure","type":"server_error"}`,
			wantKind: llm.ErrUnavailable,
			wantMsg:  "Mistral API error 500: internal failure",
		},
		{
			name:     "メッセージ以外の項目に課金語彙",
			status:   http.StatusTooManyRequests,
			body:     `{"object":"error","message":"Rate limit reached","type":"insufficient_quota"}`,
			wantKind: llm.ErrNoCredits,
			wantMsg:  "billing/credits error: Rate limit reached",
		},
		{
			name:     "OpenAI形式のerror.message",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"max_tokens too large","type":"invalid_request_error"}}`,
			wantKind: llm.ErrUnavailable,
			wantMsg:  "Mistral API error 400: max_tokens too large",
		},
		{
			name:     "JSONでない本文はそのまま添える",
			status:   http.StatusBadGateway,
			body:     `upstream connect error`,
			wantKind: llm.ErrUnavailable,
			wantMsg:  "Mistral API error 502: upstream connect error",
		},
		{
			name:     "404は利用不可",
			status:   http.StatusNotFound,
			body:     `{"object":"error","message":"model not found","type":"invalid_model"}`,
			wantKind: llm.ErrUnavailable,
			wantMsg:  "Mistral API error 404",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, time.Second)

			_, err := c.Complete(context.Background(), testRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestClient_CompleteNoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","object":"chat.completion","model":"mistral-small-latest","choices":[]}`)
	}, time.Second)

	_, err := c.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
	assert.Contains(t, err.Error(), "Unexpected Mistral response format")
}

func TestClient_CompleteTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}, 50*time.Millisecond)
	// srv.Close より先に解放する
	t.Cleanup(func() { close(release) })

	_, err := c.Complete(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrTimeout)
	assert.Contains(t, err.Error(), "Mistral API timeout.")
}
