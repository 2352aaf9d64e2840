package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/protocol"
)

func TestOpenAICompatAdapter_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":"cmpl-1","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	adapter := New(Config{ProviderName: "openai", Kind: "openai-http", BaseURL: srv.URL, AuthMode: "bearer"}, nil)
	resp, err := adapter.Complete(context.Background(), &protocol.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}},
	}, "sk-test")
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Choices[0].Message.Content)
}

func TestOpenAICompatAdapter_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	adapter := New(Config{ProviderName: "openai", Kind: "openai-http", BaseURL: srv.URL, AuthMode: "bearer"}, nil)
	_, err := adapter.Complete(context.Background(), &protocol.ChatRequest{Model: "gpt-4o-mini"}, "sk-test")
	require.Error(t, err)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 429, perr.HTTPStatus)
}

func TestOpenAICompatAdapter_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"hi\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	adapter := New(Config{ProviderName: "openai", Kind: "openai-http", BaseURL: srv.URL, AuthMode: "bearer"}, nil)
	ch, err := adapter.Stream(context.Background(), &protocol.ChatRequest{Model: "gpt-4o-mini", Stream: true}, "sk-test")
	require.NoError(t, err)

	var chunks []protocol.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	require.Equal(t, "hi", chunks[0].Delta.Content)
	require.True(t, chunks[1].Done)
}

func TestAnthropicAdapter_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		fmt.Fprint(w, `{"id":"msg_1","model":"claude-3","content":[{"type":"text","text":"hi there"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	adapter := New(Config{ProviderName: "anthropic", Kind: "anthropic-http", BaseURL: srv.URL}, nil)
	resp, err := adapter.Complete(context.Background(), &protocol.ChatRequest{
		Model:    "claude-3",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}},
	}, "sk-ant-test")
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Choices[0].Message.Content)
}
