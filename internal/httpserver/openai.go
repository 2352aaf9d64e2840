package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/routecodex/routecodex/internal/health"
	"github.com/routecodex/routecodex/internal/protocol"
	"github.com/routecodex/routecodex/internal/snapshot"
)

const maxRequestBodyBytes = 32 * 1024 * 1024

func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*protocol.ChatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeProtocolError(w, &protocol.Error{Kind: protocol.KindConfigInvalid, Message: "request body too large or unreadable", HTTPStatus: http.StatusRequestEntityTooLarge})
		return nil, false
	}
	var req protocol.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeProtocolError(w, &protocol.Error{Kind: protocol.KindConfigInvalid, Message: "invalid JSON body: " + err.Error(), HTTPStatus: http.StatusBadRequest})
		return nil, false
	}
	req.Raw = json.RawMessage(raw)
	return &req, true
}

// handleChatCompletions serves POST /v1/chat/completions: route, build the
// target pipeline, execute (streaming or not), retrying against a fresh
// target (excluding the one that just failed) up to the router's
// maxAttempts, and reporting the outcome back to the health tracker.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	s.serveChatLike(w, r, req)
}

// handleCompletions serves the legacy /v1/completions surface by mapping a
// prompt-style body onto one user message and delegating to the same
// routing/execution path as chat completions.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}
	if len(req.Messages) == 0 {
		var legacy struct {
			Prompt string `json:"prompt"`
			Model  string `json:"model"`
		}
		if err := json.Unmarshal(req.Raw, &legacy); err == nil && legacy.Prompt != "" {
			req.Messages = []protocol.Message{{Role: protocol.RoleUser, Content: legacy.Prompt}}
			if req.Model == "" {
				req.Model = legacy.Model
			}
		}
	}
	s.serveChatLike(w, r, req)
}

func (s *Server) serveChatLike(w http.ResponseWriter, r *http.Request, req *protocol.ChatRequest) {
	ctx := r.Context()
	requestID := requestIDFromContext(ctx)
	sessionID := r.Header.Get("X-Rcc-Session-Id")
	if sessionID == "" {
		sessionID = requestID
	}

	s.snap.Write(sessionID, requestID, snapshot.KindRequest, req, time.Now())

	decision, permit, err := s.router.Route(ctx, req, requestID)
	if err != nil {
		s.metrics.RecordNoHealthyTarget("unknown")
		writeProtocolError(w, normalizeRoutingError(err))
		return
	}

	excluded := map[protocol.HealthKey]bool{}
	for {
		outcomeErr := s.executeOnTarget(ctx, w, req, decision, permit, sessionID, requestID)
		if outcomeErr == nil {
			return
		}

		perr, isPerr := outcomeErr.(*protocol.Error)
		retryable := isPerr && perr.Retryable
		s.metrics.RecordRoutingDecision(string(decision.Category), decision.Target.ProviderID, "failure")
		if !retryable {
			writeProtocolError(w, outcomeErr)
			return
		}

		excluded[decision.Target.HealthKey()] = true
		next, nextPermit, retryErr := s.router.Retry(ctx, decision, excluded)
		if retryErr != nil {
			writeProtocolError(w, normalizeRoutingError(retryErr))
			return
		}
		decision, permit = next, nextPermit
	}
}

func normalizeRoutingError(err error) error {
	if _, ok := err.(*protocol.Error); ok {
		return err
	}
	return &protocol.Error{Kind: protocol.KindNoHealthyTarget, Message: err.Error(), HTTPStatus: http.StatusServiceUnavailable}
}

// executeOnTarget runs one attempt's pipeline execution (streaming or
// not) against decision.Target, reporting the outcome back to the health
// tracker exactly once. A non-nil return means the caller should retry or
// surface the error; nil means the response was already written.
func (s *Server) executeOnTarget(
	ctx context.Context,
	w http.ResponseWriter,
	req *protocol.ChatRequest,
	decision protocol.RoutingDecision,
	permit health.Permit,
	sessionID, requestID string,
) error {
	target := decision.Target

	p, err := s.pipelineFor(target)
	if err != nil {
		s.health.Report(permit, health.Outcome{Success: false})
		return err
	}

	secret, err := s.secretFor(target)
	if err != nil {
		s.health.Report(permit, health.Outcome{Success: false})
		return &protocol.Error{Kind: protocol.KindCredentialUnavailable, Message: err.Error(), Provider: target.ProviderID, Retryable: true}
	}

	if req.Stream {
		chunks, err := p.ExecuteStream(ctx, req, secret)
		if err != nil {
			s.health.Report(permit, health.Outcome{Success: false})
			return err
		}
		s.health.Report(permit, health.Outcome{Success: true, StatusCode: http.StatusOK})
		s.metrics.RecordRoutingDecision(string(decision.Category), target.ProviderID, "success")
		s.streamChatCompletions(w, chunks, sessionID, requestID)
		return nil
	}

	resp, err := p.Execute(ctx, req, secret)
	if err != nil {
		outcome := health.Outcome{Success: false}
		if perr, ok := err.(*protocol.Error); ok {
			outcome.StatusCode = perr.HTTPStatus
			outcome.Timeout = perr.Kind == protocol.KindStreamTimeout
		}
		s.health.Report(permit, outcome)
		return err
	}

	s.health.Report(permit, health.Outcome{Success: true, StatusCode: http.StatusOK})
	s.metrics.RecordRoutingDecision(string(decision.Category), target.ProviderID, "success")
	s.snap.Write(sessionID, requestID, snapshot.KindFinalResponse, resp, time.Now())
	writeJSON(w, http.StatusOK, resp)
	return nil
}
