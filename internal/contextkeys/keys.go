// Package contextkeys holds the request-scoped values set by the auth
// middleware.
package contextkeys

type contextKey string

const (
	// UserID is the token subject: a buyer id, or an operator id for admin tokens.
	UserID contextKey = "sub"
	// UserEmail is the email claim, empty when the token carries none.
	UserEmail contextKey = "email"
	// UserRole is domain.RoleBuyer or domain.RoleAdmin.
	UserRole contextKey = "role"
)
