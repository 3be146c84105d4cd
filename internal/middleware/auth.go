package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/tripledger/booking/internal/contextkeys"
	"github.com/tripledger/booking/internal/domain"
	"github.com/tripledger/booking/internal/handler"
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	VerifyToken(token string) (*domain.JWTClaims, error)
}

// Auth rejects requests without a valid bearer token and stores the token
// claims in the request context.
func Auth(tokens TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				handler.Error(w, err)
				return
			}
			claims, err := tokens.VerifyToken(raw)
			if err != nil {
				handler.Error(w, domain.ErrUnauthorized("invalid or expired token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", domain.ErrUnauthorized("no token provided")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", domain.ErrUnauthorized("invalid authorization header")
	}
	return token, nil
}

func withClaims(ctx context.Context, c *domain.JWTClaims) context.Context {
	ctx = context.WithValue(ctx, contextkeys.UserID, c.Sub)
	ctx = context.WithValue(ctx, contextkeys.UserEmail, c.Email)
	return context.WithValue(ctx, contextkeys.UserRole, c.Role)
}
