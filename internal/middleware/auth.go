package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const experimenterIDKey contextKey = "experimenter_id"

// Verifier checks a bearer token and returns the experimenter it names.
type Verifier interface {
	Verify(token string) (int64, error)
}

// WithExperimenterID stores id in ctx the way Auth does.
func WithExperimenterID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, experimenterIDKey, id)
}

// ExperimenterID returns the authenticated experimenter, if any.
func ExperimenterID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(experimenterIDKey).(int64)
	return id, ok
}

// Auth rejects requests without a valid token. The token comes from the
// Authorization header, or from the token query parameter for websocket
// upgrades that cannot set headers.
func Auth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				unauthorized(w, "Authorization required")
				return
			}

			id, err := v.Verify(raw)
			if err != nil {
				unauthorized(w, "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithExperimenterID(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
