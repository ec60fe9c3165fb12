package httpserver

import (
	"net/http"
	"strings"

	"github.com/TakTek-App/TakTek-App/internal/origin"
)

// withOriginPolicy rejects browser requests from origins outside the
// allowlist and answers CORS preflights. Requests without Origin pass through.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normalized, ok := origin.CheckRequest(r, s.cfg.AllowedOrigins)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if normalized == "" {
			next(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
