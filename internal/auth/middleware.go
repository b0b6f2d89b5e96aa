package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

type contextKey struct{}

var claimsKey contextKey

// ClaimsFromContext returns the verified claims Middleware stored for the
// request.
func ClaimsFromContext(ctx context.Context) (AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(AccessClaims)
	return claims, ok
}

// Middleware gates a handler on a bearer access token. Signature and
// expiry are necessary but not sufficient: the persisted token row must
// also be unrevoked, so a logged-out token is rejected even though it
// still verifies cryptographically.
func Middleware(store Store, jwtSecret []byte, next http.Handler) http.Handler {
	return MiddlewareWithClock(store, jwtSecret, time.Now, next)
}

// MiddlewareWithClock is Middleware with an injectable time source for
// the token-row liveness check.
func MiddlewareWithClock(store Store, jwtSecret []byte, clock func() time.Time, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		claims, err := ParseAccessToken(strings.TrimSpace(parts[1]), jwtSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		record, err := store.GetAccessToken(r.Context(), claims.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to validate token")
			return
		}
		if !record.Active(clock().UTC()) {
			writeError(w, http.StatusUnauthorized, "token revoked")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// RequireRole rejects authenticated requests whose claims lack the role.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if !slices.Contains(claims.Roles, role) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}
