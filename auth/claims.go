package auth

import "github.com/golang-jwt/jwt/v5"

// SessionClaims is the payload of a self-hosted session token. Subject
// holds the user id and Audience the project id.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email"`
	DisplayName string `json:"name,omitempty"`
	Provider    string `json:"provider,omitempty"` // "password", "google"
}
