package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sessiond/internal/lib/jwt"
)

type ctxKey int

const claimsKey ctxKey = 0

var errNoClaims = errors.New("no claims in context")

// requireAuth validates the Authorization bearer token and stores its
// claims in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeErr(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.tokens.ParseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFromContext(ctx context.Context) (*jwt.Claims, error) {
	claims, ok := ctx.Value(claimsKey).(*jwt.Claims)
	if !ok || claims == nil {
		return nil, errNoClaims
	}
	return claims, nil
}
