package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// RefreshPath is the token refresh route on the auth backend.
	RefreshPath = "/api/auth/refresh"

	// DefaultRefreshTimeout bounds one refresh exchange.
	DefaultRefreshTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

// ErrRefreshAccessToken matches every *RefreshAccessTokenError.
var ErrRefreshAccessToken = errors.New("RefreshAccessTokenError")

// RefreshAccessTokenError reports a failed refresh exchange. StatusCode is 0
// when no HTTP response was received.
type RefreshAccessTokenError struct {
	StatusCode int
	Err        error
}

func (e *RefreshAccessTokenError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("refresh access token: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("refresh access token: %v", e.Err)
}

func (e *RefreshAccessTokenError) Unwrap() error { return e.Err }

func (e *RefreshAccessTokenError) Is(target error) bool { return target == ErrRefreshAccessToken }

// TokenRefresher exchanges a refresh token for a new credential.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithHTTPClient replaces the HTTP client. Its Timeout is left as given.
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithRefresherLogger routes refresher logs to logger.
func WithRefresherLogger(logger *log.Logger) RefresherOption {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp refreshed credentials.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

// Refresher calls the auth backend's refresh endpoint. Concurrent calls for
// the same refresh token share a single request.
type Refresher struct {
	endpoint   string
	httpClient *http.Client
	logger     *log.Logger
	now        func() time.Time
	group      singleflight.Group
}

// NewRefresher returns a Refresher for the auth backend at authBase.
func NewRefresher(authBase string, opts ...RefresherOption) (*Refresher, error) {
	authBase = strings.TrimRight(strings.TrimSpace(authBase), "/")
	if authBase == "" {
		return nil, errors.New("auth backend URL is required")
	}
	r := &Refresher{
		endpoint:   authBase + RefreshPath,
		httpClient: &http.Client{Timeout: DefaultRefreshTimeout},
		logger:     log.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Refresh exchanges refreshToken for a new credential. Failures are
// *RefreshAccessTokenError, except that a cancelled or expired ctx is returned
// as ctx.Err().
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Credential{}, &RefreshAccessTokenError{Err: ErrNoCredential}
	}

	v, err, shared := r.group.Do(refreshToken, func() (interface{}, error) {
		return r.exchange(ctx, refreshToken)
	})
	if shared {
		r.logger.Printf("DEBUG: [auth] Joined in-flight token refresh.")
	}
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string) (Credential, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return Credential{}, &RefreshAccessTokenError{Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, &RefreshAccessTokenError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		// A cancelled caller says nothing about the refresh token.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Credential{}, ctxErr
		}
		r.logger.Printf("WARN: [auth] Token refresh request failed: %v", err)
		return Credential{}, &RefreshAccessTokenError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		r.logger.Printf("WARN: [auth] Token refresh rejected with HTTP %d.", resp.StatusCode)
		return Credential{}, &RefreshAccessTokenError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(snippet))),
		}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Credential{}, ctxErr
		}
		return Credential{}, &RefreshAccessTokenError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		return Credential{}, &RefreshAccessTokenError{StatusCode: resp.StatusCode, Err: errors.New("response is missing access or refresh token")}
	}

	now := r.now()
	expiresAt, ok := AccessTokenExpiry(payload.AccessToken, now)
	if !ok {
		r.logger.Printf("WARN: [auth] Refreshed access token has no readable exp claim. Assuming %s.", FallbackTokenLifetime)
	}
	r.logger.Printf("INFO: [auth] Access token refreshed, expires at %s.", expiresAt.Format(time.RFC3339))

	return Credential{
		AccessToken:     payload.AccessToken,
		RefreshToken:    payload.RefreshToken,
		TokenType:       payload.TokenType,
		ExpiresAt:       expiresAt,
		LastRefreshedAt: now,
	}, nil
}
