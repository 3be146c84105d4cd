package domain

// Roles carried in access tokens.
const (
	RoleBuyer = "buyer"
	RoleAdmin = "admin"
)

// JWTClaims represents the claims extracted from a verified access token.
type JWTClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Role  string `json:"role"`
}
