package server

import (
	"encoding/json"
	"net/http"

	"github.com/cascadelabs/agate/internal/translate"
)

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req translate.MessagesRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, anthropicError("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}

	res, err := s.deps.Proxy.Messages(r.Context(), &req)
	if err != nil {
		status := errorStatus(err)
		writeJSON(w, status, anthropicError(err.Error(), anthropicErrorType(status)))
		return
	}

	if res.Frames != nil {
		s.streamFrames(w, r, res.Frames, false)
		return
	}
	writeRawJSON(w, http.StatusOK, res.Body)
}

// anthropicError builds the Anthropic error envelope.
func anthropicError(msg, typ string) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    typ,
			"message": msg,
		},
	}
}

func anthropicErrorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
