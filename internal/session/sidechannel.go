package session

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

type textInputRequest struct {
	CallID string `json:"call_id"`
	Text   string `json:"text"`
}

// TextInputHandler is the out-of-band text channel: POST {call_id, text}
// injects the text into the matching live session as a caller utterance.
// The request returns immediately; processing is asynchronous in the session.
func TextInputHandler(registry *Registry, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req textInputRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.CallID == "" || req.Text == "" {
			http.Error(w, "call_id and text are required", http.StatusBadRequest)
			return
		}

		s, ok := registry.Get(req.CallID)
		if !ok {
			http.Error(w, "no active session for call", http.StatusNotFound)
			return
		}

		logger.Info().Str("call_id", req.CallID).Msg("Injecting text input")
		s.InjectText(req.Text)
		w.WriteHeader(http.StatusAccepted)
	}
}
