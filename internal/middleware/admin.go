package middleware

import (
	"net/http"

	"github.com/tripledger/booking/internal/contextkeys"
	"github.com/tripledger/booking/internal/domain"
	"github.com/tripledger/booking/internal/handler"
)

// AdminOnly rejects requests whose token does not carry the admin role.
// Must be used after Auth, which sets contextkeys.UserRole.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, ok := r.Context().Value(contextkeys.UserRole).(string)
		if !ok || role != domain.RoleAdmin {
			handler.Error(w, domain.ErrForbidden("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
