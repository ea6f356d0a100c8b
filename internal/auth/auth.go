package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/credit-ledger/internal"
)

// TokenValidator verifies bearer tokens issued by the identity provider.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Claims follows the identity provider's access token: the user id is the
// subject and an operator role may be set in app_metadata.
type Claims struct {
	Email       string      `json:"email,omitempty"`
	Role        string      `json:"role,omitempty"`
	AppMetadata AppMetadata `json:"app_metadata,omitempty"`
	jwt.RegisteredClaims
}

type AppMetadata struct {
	Role string `json:"role,omitempty"`
}

// EffectiveRole prefers the application role over the generic token role.
func (c *Claims) EffectiveRole() string {
	if c.AppMetadata.Role != "" {
		return c.AppMetadata.Role
	}
	return c.Role
}

func (c *Claims) Principal() internal.Principal {
	return internal.Principal{
		UserID: c.Subject,
		Email:  c.Email,
		Role:   c.EffectiveRole(),
	}
}

type JWTTokenGenerator struct {
	Secret   []byte
	Audience string
	TTL      time.Duration
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrMissingToken = errors.New("missing bearer token")
)
