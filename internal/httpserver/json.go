package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/routecodex/routecodex/internal/protocol"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeProtocolError renders a *protocol.Error in OpenAI's error envelope
// shape, which every handler in this package shares regardless of which
// wire format the request came in on.
func writeProtocolError(w http.ResponseWriter, err error) {
	if perr, ok := err.(*protocol.Error); ok {
		status := perr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]interface{}{
			"error": map[string]interface{}{
				"message": perr.Message,
				"type":    string(perr.Kind),
				"code":    string(perr.Kind),
			},
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{"message": err.Error(), "type": "internal_error"},
	})
}
