package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/routecodex/routecodex/internal/metrics"
)

func newTestServerForMiddleware(opts Options) *Server {
	return New(nil, nil, nil, nil, newDisabledSnapshot(), metrics.NewCollector(nextMetricsNamespace()), opts, nil)
}

func TestRequestIDMiddleware_GeneratesWhenAbsent(t *testing.T) {
	s := newTestServerForMiddleware(Options{})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, requestIDFromContext(r.Context()))
	})
	handler := s.requestIDMiddleware(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddleware_PreservesClientSupplied(t *testing.T) {
	s := newTestServerForMiddleware(Options{})
	handler := s.requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-supplied-id")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "client-supplied-id", w.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware_CatchesPanic(t *testing.T) {
	s := newTestServerForMiddleware(Options{})
	handler := s.recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPIKeyAuthMiddleware_RejectsMissingKey(t *testing.T) {
	s := newTestServerForMiddleware(Options{APIKeys: []string{"secret-key"}})
	handler := s.apiKeyAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuthMiddleware_AcceptsValidHeader(t *testing.T) {
	s := newTestServerForMiddleware(Options{APIKeys: []string{"secret-key"}})
	handler := s.apiKeyAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("X-API-Key", "secret-key")
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthMiddleware_AcceptsBearerToken(t *testing.T) {
	s := newTestServerForMiddleware(Options{APIKeys: []string{"secret-key"}})
	handler := s.apiKeyAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("Authorization", "Bearer secret-key")
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthMiddleware_DisabledWhenNoKeysConfigured(t *testing.T) {
	s := newTestServerForMiddleware(Options{})
	handler := s.apiKeyAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterMiddleware_BlocksBurstOverflow(t *testing.T) {
	s := newTestServerForMiddleware(Options{RateLimitRPS: 1, RateLimitBurst: 1})
	mw := s.rateLimiterMiddleware()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.RemoteAddr = "198.51.100.1:1234"

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, r)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, r)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestRateLimiterMiddleware_DisabledByDefault(t *testing.T) {
	s := newTestServerForMiddleware(Options{})
	mw := s.rateLimiterMiddleware()
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestNormalizePath_CollapsesDynamicSegments(t *testing.T) {
	assert.Equal(t, "/v1/models/:id", normalizePath("/v1/models/123456789"))
	assert.Equal(t, "/v1/chat/completions", normalizePath("/v1/chat/completions"))
}
