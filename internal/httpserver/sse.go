package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/routecodex/routecodex/internal/protocol"
	"github.com/routecodex/routecodex/internal/snapshot"
)

const (
	snapshotKindSSEFrame    = snapshot.KindSSEFrame
	snapshotKindStreamError = snapshot.KindStreamError
)

// streamChatCompletions bridges a canonical StreamChunk channel to an
// OpenAI-shaped text/event-stream response, writing one "data: {...}"
// frame per chunk and a final "data: [DONE]" sentinel.
func (s *Server) streamChatCompletions(w http.ResponseWriter, chunks <-chan protocol.StreamChunk, sessionID, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProtocolError(w, &protocol.Error{Kind: protocol.KindInternalError, Message: "streaming unsupported by response writer"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		if strings.HasPrefix(chunk.FinishReason, "error:") {
			s.writeSSEError(w, flusher, chunk.FinishReason)
			s.snap.Write(sessionID, requestID, snapshotKindStreamError, chunk, time.Now())
			return
		}

		frame := map[string]interface{}{
			"id":      chunk.ID,
			"object":  "chat.completion.chunk",
			"model":   chunk.Model,
			"choices": []map[string]interface{}{{"index": 0, "delta": chunk.Delta, "finish_reason": finishReasonOrNull(chunk.FinishReason)}},
		}
		s.writeSSEFrame(w, flusher, frame)
		s.snap.Write(sessionID, requestID, snapshotKindSSEFrame, chunk, time.Now())

		if chunk.Done {
			break
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, frame interface{}) {
	body, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
	flusher.Flush()
}

func (s *Server) writeSSEError(w http.ResponseWriter, flusher http.Flusher, finishReason string) {
	frame := map[string]interface{}{
		"error": map[string]string{"message": finishReason, "type": "stream_error"},
	}
	s.writeSSEFrame(w, flusher, frame)
}

func finishReasonOrNull(reason string) interface{} {
	if reason == "" {
		return nil
	}
	return reason
}
