package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/stream"
)

// ChatHandler serves the chat entry point: it validates the body, starts
// (or resumes) a run, and streams the resulting chunks as server-sent
// events. Malformed bodies get a 400 JSON error before any orchestration.
func ChatHandler(a *Agent) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		chunks, err := a.ProcessChat(r.Context(), &req)
		if err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			a.logger.Error("chat request failed", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		stream.ServeSSE(w, r, chunks)
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
