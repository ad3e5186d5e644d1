package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/deepchat-go/internal/config"
)

type recordedRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// sseServer replays the given chunks as an OpenAI-style event stream and
// records the request body.
func sseServer(t *testing.T, got *recordedRequest, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
			return
		}
		if err := json.Unmarshal(body, got); err != nil {
			t.Errorf("decode request body: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, data := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func TestStreamChat_CumulativeSnapshots(t *testing.T) {
	var got recordedRequest
	srv := sseServer(t, &got,
		`{"choices":[{"delta":{"content":"Hel","reasoning_content":"th"}}]}`,
		`{"choices":[{"delta":{"content":"lo!","reasoning_content":"inking"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	)
	defer srv.Close()

	c := NewStreamer(config.LLMConfig{
		APIKey:    "test-key",
		BaseURL:   srv.URL + "/v1",
		Model:     "glm-4.7-flash",
		MaxTokens: 4096,
	})

	stream, err := c.StreamChat(context.Background(), []ChatMessage{
		{Role: "system", Content: "caller-supplied system prompt"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	var snaps []Snapshot
	for snap := range stream.Snapshots() {
		snaps = append(snaps, snap)
	}
	require.NoError(t, stream.Err())
	require.NotEmpty(t, snaps)
	require.Equal(t, Snapshot{Content: "Hello!", Reasoning: "thinking"}, snaps[len(snaps)-1])
	for i := 1; i < len(snaps); i++ {
		require.True(t, strings.HasPrefix(snaps[i].Content, snaps[i-1].Content),
			"snapshots must be cumulative")
	}

	// exactly one system entry, the client's own, ahead of the history
	require.Equal(t, "glm-4.7-flash", got.Model)
	require.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, defaultSystemPrompt, got.Messages[0].Content)
	require.Equal(t, "user", got.Messages[1].Role)
	require.Equal(t, "hi", got.Messages[1].Content)
}

func TestStreamChat_ConfiguredSystemPromptWins(t *testing.T) {
	var got recordedRequest
	srv := sseServer(t, &got)
	defer srv.Close()

	c := NewStreamer(config.LLMConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL + "/v1",
		Model:        "glm-4.7-flash",
		SystemPrompt: "You are a terse assistant.",
	})

	stream, err := c.StreamChat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	for range stream.Snapshots() {
	}
	require.NoError(t, stream.Err())

	require.Len(t, got.Messages, 2)
	require.Equal(t, "You are a terse assistant.", got.Messages[0].Content)
}

func TestStreamChat_MissingAPIKey(t *testing.T) {
	c := NewStreamer(config.LLMConfig{Model: "glm-4.7-flash"})
	_, err := c.StreamChat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
}

func TestStreamChat_EmptyHistory(t *testing.T) {
	c := NewStreamer(config.LLMConfig{APIKey: "test-key", Model: "glm-4.7-flash"})
	_, err := c.StreamChat(context.Background(), nil)
	require.Error(t, err)
}

func TestStreamChat_UpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := NewStreamer(config.LLMConfig{APIKey: "bad-key", BaseURL: srv.URL + "/v1", Model: "glm-4.7-flash"})
	_, err := c.StreamChat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
}
