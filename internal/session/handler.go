package session

import (
	"net/http"

	"github.com/bookline-ai/voice-bridge/internal/telephony"
)

// Handler upgrades inbound carrier connections and runs one session per
// call on the connection's goroutine.
type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := telephony.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Error().Err(err).Msg("Telephony upgrade failed")
		return
	}

	s := New(telephony.NewConn(ws), h.deps)
	s.Run(r.Context())
}
