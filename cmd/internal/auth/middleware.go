package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware attaches the verified caller to the request context.
//
// A bearer token that fails verification is rejected with 401. Requests without
// one pass through anonymously unless TrustedHeader names a header set by an
// upstream gateway; handlers decide whether a caller is required.
type Middleware struct {
	Verifier Verifier

	// TrustedHeader is only safe behind a proxy that strips it from client requests.
	TrustedHeader string

	Log *slog.Logger
}

// Wrap returns next behind the middleware.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("Authorization"); raw != "" && m.Verifier != nil {
			tok, ok := BearerToken(raw)
			if !ok {
				writeUnauthorized(w, "malformed authorization header")
				return
			}
			userID, err := m.Verifier.Verify(r.Context(), tok)
			if err != nil {
				if m.Log != nil {
					m.Log.Info("auth.reject", "path", r.URL.Path, "remote", r.RemoteAddr, "err", err)
				}
				writeUnauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), userID)))
			return
		}

		if m.TrustedHeader != "" {
			if userID := strings.TrimSpace(r.Header.Get(m.TrustedHeader)); userID != "" {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), userID)))
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="bazaar"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "unauthenticated", "message": msg},
	})
}
