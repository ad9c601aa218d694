package httpserver

import (
	"net/http"
	"unicode/utf8"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/protocol"
)

type healthResponse struct {
	Name            string `json:"name"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	ConnectionCount int64  `json:"connectionCount"`
	Address         string `json:"address"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Name:          ServiceName,
		UptimeSeconds: int64(s.opts.Now().Sub(s.started).Seconds()),
		Address:       s.cfg.PublicBaseURL,
	}
	if s.opts.Directory != nil {
		resp.ConnectionCount = s.opts.Directory.Connected()
	}
	WriteJSON(w, http.StatusOK, resp)
}

// handleLobby lists a lobby's members. Unknown or empty lobbies are not an
// error; they report zero members.
func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if utf8.RuneCountInString(code) != protocol.LobbyCodeLength {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "lobby code must be 6 characters"})
		return
	}
	if s.opts.Directory == nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "lobby directory not configured"})
		return
	}
	WriteJSON(w, http.StatusOK, s.opts.Directory.Lookup(code))
}
