package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are carried in the user cookie handed out by the authentication
// service. The client never verifies them; it only reads the expiry.
type Claims struct {
	jwt.RegisteredClaims

	Login string `json:"login"`
	Admin bool   `json:"admin,omitempty"`
}
