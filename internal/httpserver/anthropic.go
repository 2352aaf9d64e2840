package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/routecodex/routecodex/internal/health"
	"github.com/routecodex/routecodex/internal/protocol"
	"github.com/routecodex/routecodex/internal/snapshot"
)

// anthropicContentBlock is one element of an Anthropic message's content
// array. Only the text variant is accepted on input; tool_use/image
// blocks are out of scope for this surface.
type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens *int               `json:"max_tokens,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

// flattenContent accepts either a plain string or a content-block array,
// matching the two shapes Anthropic's API allows for a message's content.
func flattenContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" || b.Type == "" {
				out += b.Text
			}
		}
		return out
	}
	return ""
}

func (req anthropicMessagesRequest) toCanonical() *protocol.ChatRequest {
	canonical := &protocol.ChatRequest{Model: req.Model, Stream: req.Stream}
	if req.System != "" {
		canonical.Messages = append(canonical.Messages, protocol.Message{Role: protocol.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := protocol.Role(m.Role)
		if role != protocol.RoleUser && role != protocol.RoleAssistant {
			role = protocol.RoleUser
		}
		canonical.Messages = append(canonical.Messages, protocol.Message{Role: role, Content: flattenContent(m.Content)})
	}
	canonical.MaxTokens = req.MaxTokens
	return canonical
}

func anthropicResponseFrom(resp *protocol.ChatResponse) map[string]interface{} {
	text := ""
	stopReason := "end_turn"
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason == "length" {
			stopReason = "max_tokens"
		}
	}
	return map[string]interface{}{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"stop_reason": stopReason,
		"content":     []map[string]interface{}{{"type": "text", "text": text}},
		"usage": map[string]int{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	}
}

// handleAnthropicMessages serves POST /v1/messages: translate the
// Anthropic wire shape into the canonical ChatRequest, route and execute
// exactly like the OpenAI surface (same retry-with-exclusion loop), then
// translate the canonical response (or stream) back into Anthropic's
// message/event shapes.
func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeProtocolError(w, &protocol.Error{Kind: protocol.KindConfigInvalid, Message: "request body too large or unreadable", HTTPStatus: http.StatusRequestEntityTooLarge})
		return
	}
	var wire anthropicMessagesRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		writeProtocolError(w, &protocol.Error{Kind: protocol.KindConfigInvalid, Message: "invalid JSON body: " + err.Error(), HTTPStatus: http.StatusBadRequest})
		return
	}
	req := wire.toCanonical()
	req.Raw = json.RawMessage(raw)

	ctx := r.Context()
	requestID := requestIDFromContext(ctx)
	sessionID := r.Header.Get("X-Rcc-Session-Id")
	if sessionID == "" {
		sessionID = requestID
	}
	s.snap.Write(sessionID, requestID, snapshot.KindRequest, req, time.Now())

	decision, permit, err := s.router.Route(ctx, req, requestID)
	if err != nil {
		writeProtocolError(w, normalizeRoutingError(err))
		return
	}

	excluded := map[protocol.HealthKey]bool{}
	for {
		if req.Stream {
			chunks, execErr := s.acquireAnthropicStream(ctx, req, decision, permit)
			if execErr == nil {
				s.streamAnthropicMessage(w, chunks, req.Model)
				return
			}
			if !s.retryableAndReport(execErr, permit) {
				writeProtocolError(w, execErr)
				return
			}
		} else {
			p, buildErr := s.pipelineFor(decision.Target)
			if buildErr != nil {
				s.health.Report(permit, health.Outcome{Success: false})
				writeProtocolError(w, buildErr)
				return
			}
			secret, credErr := s.secretFor(decision.Target)
			if credErr != nil {
				s.health.Report(permit, health.Outcome{Success: false})
				writeProtocolError(w, &protocol.Error{Kind: protocol.KindCredentialUnavailable, Message: credErr.Error(), Retryable: true})
				return
			}
			resp, execErr := p.Execute(ctx, req, secret)
			if execErr == nil {
				s.health.Report(permit, health.Outcome{Success: true, StatusCode: http.StatusOK})
				s.snap.Write(sessionID, requestID, snapshot.KindFinalResponse, resp, time.Now())
				writeJSON(w, http.StatusOK, anthropicResponseFrom(resp))
				return
			}
			if !s.retryableAndReport(execErr, permit) {
				writeProtocolError(w, execErr)
				return
			}
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

func (s *Server) retryableAndReport(err error, permit health.Permit) bool {
	outcome := health.Outcome{Success: false}
	if perr, ok := err.(*protocol.Error); ok {
		outcome.StatusCode = perr.HTTPStatus
		outcome.Timeout = perr.Kind == protocol.KindStreamTimeout
		s.health.Report(permit, outcome)
		return perr.Retryable
	}
	s.health.Report(permit, outcome)
	return false
}

func (s *Server) acquireAnthropicStream(ctx context.Context, req *protocol.ChatRequest, decision protocol.RoutingDecision, permit health.Permit) (<-chan protocol.StreamChunk, error) {
	p, err := s.pipelineFor(decision.Target)
	if err != nil {
		return nil, err
	}
	secret, err := s.secretFor(decision.Target)
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindCredentialUnavailable, Message: err.Error(), Retryable: true}
	}
	chunks, err := p.ExecuteStream(ctx, req, secret)
	if err != nil {
		return nil, err
	}
	s.health.Report(permit, health.Outcome{Success: true, StatusCode: http.StatusOK})
	return chunks, nil
}

// streamAnthropicMessage bridges the canonical StreamChunk channel into
// Anthropic's event-stream shape: message_start, a single text
// content_block's start/delta*/stop, message_delta, then message_stop.
func (s *Server) streamAnthropicMessage(w http.ResponseWriter, chunks <-chan protocol.StreamChunk, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProtocolError(w, &protocol.Error{Kind: protocol.KindInternalError, Message: "streaming unsupported by response writer"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, flusher, "message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id": newRequestID(), "type": "message", "role": "assistant", "model": model,
			"content": []interface{}{}, "usage": map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
	writeEvent(w, flusher, "content_block_start", map[string]interface{}{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	})

	stopReason := "end_turn"
	for chunk := range chunks {
		if chunk.FinishReason == "error:stream-timeout:idle" || chunk.FinishReason == "error:stream-timeout:headers" {
			stopReason = "stream_timeout"
			break
		}
		if chunk.Delta.Content != "" {
			writeEvent(w, flusher, "content_block_delta", map[string]interface{}{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]interface{}{"type": "text_delta", "text": chunk.Delta.Content},
			})
		}
		if chunk.FinishReason == "length" {
			stopReason = "max_tokens"
		}
		if chunk.Done {
			break
		}
	}

	writeEvent(w, flusher, "content_block_stop", map[string]interface{}{"type": "content_block_stop", "index": 0})
	writeEvent(w, flusher, "message_delta", map[string]interface{}{
		"type": "message_delta", "delta": map[string]interface{}{"stop_reason": stopReason},
	})
	writeEvent(w, flusher, "message_stop", map[string]interface{}{"type": "message_stop"})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	flusher.Flush()
}
