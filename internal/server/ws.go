package server

import (
	"net/http"

	"github.com/metorial/aegis/internal/codec"
	"github.com/metorial/aegis/internal/hub"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.authorized(r) {
		s.logger.Warn("Rejected unauthenticated websocket", "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	format, err := codec.ParseFormat(r.URL.Query().Get("encoding"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	opts := s.opts.Session
	opts.RemoteAddr = r.RemoteAddr
	opts.Format = format
	opts.Logger = s.logger

	session := hub.NewSession(conn, opts)
	session.Authenticate()

	if err := session.Serve(r.Context(), s.hub, s.commands); err != nil {
		s.logger.Warn("Session refused", "remote", r.RemoteAddr, "error", err)
	}
}
