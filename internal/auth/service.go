package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NewJWTTokenGenerator creates an HS256 generator/validator for the project secret.
func NewJWTTokenGenerator(secret, audience string) *JWTTokenGenerator {
	return &JWTTokenGenerator{
		Secret:   []byte(secret),
		Audience: audience,
		TTL:      time.Hour,
	}
}

// GenerateAccessToken issues a token shaped like the identity provider's. Used
// by the seed command and tests; production tokens come from the provider.
func (j *JWTTokenGenerator) GenerateAccessToken(userID, email, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email:       email,
		Role:        "authenticated",
		AppMetadata: AppMetadata{Role: role},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.TTL)),
		},
	}
	if j.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.Secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token. Only HS256 is accepted.
func (j *JWTTokenGenerator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if j.Audience != "" {
		opts = append(opts, jwt.WithAudience(j.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return j.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
