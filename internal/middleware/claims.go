package middleware

import "github.com/golang-jwt/jwt/v5"

// Claims is the token payload the accounts service issues: the subject's
// user id and marketplace role.
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}
