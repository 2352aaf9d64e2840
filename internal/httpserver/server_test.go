package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/credential"
	"github.com/routecodex/routecodex/internal/health"
	"github.com/routecodex/routecodex/internal/metrics"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/protocol"
	"github.com/routecodex/routecodex/internal/router"
)

func testProviderProfile(baseURL string) config.ProviderProfile {
	return config.ProviderProfile{
		ID:             "openai",
		Kind:           "openai-http",
		BaseURL:        baseURL,
		AuthMode:       "inline",
		Credentials:    []string{"key1"},
		RawCredentials: []string{"sk-test-secret"},
		Models: map[string]config.ModelProfile{
			"gpt-4": {MaxContext: 8192, MaxTokens: 2048},
		},
	}
}

func testPolicy() protocol.RoutingPolicy {
	return protocol.RoutingPolicy{
		protocol.CategoryDefault: {
			{ID: "pool-default", Mode: protocol.ModePriority, Targets: []protocol.RouteTarget{
				{ProviderID: "openai", ModelID: "gpt-4", KeyAlias: "key1"},
			}},
		},
	}
}

func newTestServer(t *testing.T, upstream *httptest.Server) (*Server, *config.ProviderProfile) {
	t.Helper()
	tracker := health.NewTracker(health.Config{}, nil)
	r := router.New(testPolicy(), tracker, nil)
	creds := credential.NewStore(nil)
	profile := testProviderProfile(upstream.URL)
	creds.Load(map[string]config.ProviderProfile{"openai": profile})
	pipes := pipeline.NewFactory(tracker, nil)

	srv := New(r, tracker, creds, pipes, newDisabledSnapshot(), metrics.NewCollector(nextMetricsNamespace()), Options{}, nil)
	srv.SetConfig(config.ResolvedConfig{Providers: map[string]config.ProviderProfile{"openai": profile}})
	return srv, &profile
}

func TestHandleChatCompletions_NonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp protocol.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
}

func TestHandleChatCompletions_UpstreamErrorSurfacesProtocolError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream)

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleChatCompletions_InvalidJSONBodyIsBadRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListModels(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "gpt-4", body.Data[0]["id"])
}

func TestHandleHealthAndReady(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	srv, _ := newTestServer(t, upstream)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestHandleShutdown_RequiresStopPassword(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	tracker := health.NewTracker(health.Config{}, nil)
	r := router.New(testPolicy(), tracker, nil)
	creds := credential.NewStore(nil)
	pipes := pipeline.NewFactory(tracker, nil)
	shutdownCalled := make(chan struct{}, 1)

	srv := New(r, tracker, creds, pipes, newDisabledSnapshot(), metrics.NewCollector(nextMetricsNamespace()), Options{
		StopPassword:        "letmein",
		OnShutdownRequested: func() { shutdownCalled <- struct{}{} },
	}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/shutdown", nil)
	req2.Header.Set("X-Rcc-Stop-Password", "letmein")
	srv.Handler().ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)

	select {
	case <-shutdownCalled:
	default:
		t.Fatal("expected OnShutdownRequested to be invoked")
	}
}

func TestHandleAnthropicMessages_NonStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hello from claude"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream)

	body := `{"model":"gpt-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["type"])
	content := resp["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "hello from claude", content["text"])
}
