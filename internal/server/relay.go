package server

import (
	"io"
	"net/http"

	"file-relay/internal/keys"
)

const (
	bodyValid      = "VALID"
	bodyInvalidKey = "INVALID_KEY"
)

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// lookupKey returns the key named by ?key= when it is well formed and active.
func (s *Server) lookupKey(r *http.Request) (keys.Key, bool) {
	k, err := keys.Parse(r.URL.Query().Get("key"))
	if err != nil {
		return "", false
	}
	return k, s.registry.Exists(k)
}

// validHandler answers GET /valid?key=KEY. Validity is carried by the body,
// never the status code.
func (s *Server) validHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, ok := s.lookupKey(r); !ok {
			s.metrics.InvalidKeys.WithLabelValues("valid").Inc()
			writeText(w, http.StatusOK, bodyInvalidKey)
			return
		}
		writeText(w, http.StatusOK, bodyValid)
	})
}

// statusHandler answers GET /status with the advisory capacity status.
func (s *Server) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeText(w, http.StatusOK, s.monitor.Status())
	})
}
