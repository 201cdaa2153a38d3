package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// auth accepts "Authorization: Bearer <token>" or "?token=<token>".
// An empty token disables the check.
func (h *Handlers) auth(next http.Handler) http.Handler {
	if h.Token == "" {
		return next
	}
	want := []byte(h.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := ""
		if a := r.Header.Get("Authorization"); strings.HasPrefix(a, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(a, "Bearer "))
		} else {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="jobmesh"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
