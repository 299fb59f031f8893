package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/translate"
)

// maxBodySize bounds inbound request bodies.
const maxBodySize = 10 << 20

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req translate.ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, openaiError("invalid request body: "+err.Error(), "invalid_request_error"))
		return
	}

	res, err := s.deps.Proxy.ChatCompletion(r.Context(), &req)
	if err != nil {
		status := errorStatus(err)
		writeJSON(w, status, openaiError(err.Error(), openaiErrorType(status)))
		return
	}

	if res.Frames != nil {
		s.streamFrames(w, r, res.Frames, true)
		return
	}
	writeRawJSON(w, http.StatusOK, res.Body)
}

// streamFrames forwards translated SSE frames to the client. openaiStyle
// selects data-only frames plus the [DONE] sentinel; otherwise frames are
// written with their event names (Anthropic style).
func (s *server) streamFrames(w http.ResponseWriter, r *http.Request, frames <-chan agate.StreamFrame, openaiStyle bool) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				if openaiStyle {
					writeSSEDone(w)
					flusher.Flush()
				}
				return
			}
			if f.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", f.Err.Error()),
				)
				if openaiStyle {
					writeSSEDone(w)
				}
				flusher.Flush()
				return
			}
			if f.Done {
				if openaiStyle {
					writeSSEDone(w)
					flusher.Flush()
				}
				return
			}
			if openaiStyle || f.Event == "" {
				writeSSEData(w, f.Data)
			} else {
				writeSSEEvent(w, f.Event, f.Data)
			}
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func openaiError(msg, typ string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	return e
}

func openaiErrorType(status int) string {
	if status >= 500 {
		return "server_error"
	}
	return "invalid_request_error"
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, agate.ErrUpstreamAuth):
		return http.StatusUnauthorized
	case errors.Is(err, agate.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agate.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, agate.ErrNoAccount):
		return http.StatusServiceUnavailable
	case errors.Is(err, agate.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeRawJSON writes pre-marshalled JSON bytes.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(body)
}
