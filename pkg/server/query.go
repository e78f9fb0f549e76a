package server

import (
	"encoding/json"
	"net/http"

	"github.com/scintilla-hq/scintilla/pkg/auth"
	"github.com/scintilla-hq/scintilla/pkg/loop"
	"github.com/scintilla-hq/scintilla/pkg/protocol"
)

// handleQuery streams the agent loop over SSE: one data: line per event,
// terminated by exactly one final_response or error event.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromRequest(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req loop.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "llm_provider is required")
		return
	}
	req.UserID = principal.UserID

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(event protocol.StreamEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	// A dropped client cancels r.Context(), which propagates into every
	// in-flight tool call and LLM request.
	s.loop.Run(r.Context(), req, emit)
}
