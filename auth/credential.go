// Package auth keeps the realtime session's credentials fresh: it stores the
// access/refresh token pair, exchanges refresh tokens before the access token
// expires, and signs the session out when that is no longer possible.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FallbackTokenLifetime is assumed when an access token carries no readable
// expiry claim.
const FallbackTokenLifetime = 15 * time.Minute

var (
	// ErrNoCredential means nobody is signed in.
	ErrNoCredential = errors.New("auth: no credential")

	// ErrSessionExpired means the access token expired before it could be
	// refreshed.
	ErrSessionExpired = errors.New("auth: session expired")
)

// Credential is the token pair for the signed-in user.
type Credential struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	TokenType       string    `json:"token_type,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at,omitempty"`
	RefreshInFlight bool      `json:"-"`
}

// Expired reports whether the access token is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// NewCredential builds a credential whose expiry is read from the access
// token's exp claim.
func NewCredential(accessToken, refreshToken string, now time.Time) Credential {
	exp, _ := AccessTokenExpiry(accessToken, now)
	return Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    exp,
	}
}

// AccessTokenExpiry returns the exp claim of token. The signature is not
// verified; only the issuer can do that. When the claim is missing or the
// token does not parse, it returns now + FallbackTokenLifetime and false.
func AccessTokenExpiry(token string, now time.Time) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return now.Add(FallbackTokenLifetime), false
	}
	if claims.ExpiresAt == nil {
		return now.Add(FallbackTokenLifetime), false
	}
	return claims.ExpiresAt.Time, true
}
