package middleware

import (
	"log/slog"
	"net/http"
)

// RequireAdmin guards the lockout administration routes. Denials are logged
// with the caller and path so lockout tampering attempts leave a record.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := UserFromContext(r.Context())
			switch {
			case u == nil:
				writeJSONError(w, http.StatusUnauthorized, "authorization required")
			case !u.IsActive:
				writeJSONError(w, http.StatusForbidden, "account disabled")
			case !u.IsAdmin():
				slog.WarnContext(r.Context(), "admin route denied",
					"user_id", u.ID, "role", string(u.Role), "path", r.URL.Path)
				writeJSONError(w, http.StatusForbidden, "admin role required")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
