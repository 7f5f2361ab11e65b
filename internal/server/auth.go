package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorized reports whether r carries the agent token, either as a
// bearer token or as the token query parameter. Browsers cannot set
// headers on a websocket handshake, hence the query form.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return false
	}

	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	if presented == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.opts.Token)) == 1
}

func (s *Server) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="aegis"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}
