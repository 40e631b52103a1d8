package client

import (
	"log"
	"net/http"
	"time"

	"github.com/AtDexters-Lab/realtime-session-client/realtime"
)

// SignInPath is the sign-in entry point users are sent to after a forced
// sign-out.
const SignInPath = "/signin"

// SignOutHandler is told why the session ended and where to sign in again.
type SignOutHandler func(reason error, signInPath string)

// Option mutates a Client during construction.
type Option func(*Client)

// WithLogger routes logs from the client and everything it owns to logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSignOutHandler registers a callback for forced sign-outs. The client
// keeps running afterwards and reconnects once fresh credentials appear.
func WithSignOutHandler(handler SignOutHandler) Option {
	return func(c *Client) {
		if handler == nil {
			return
		}
		base := c.onSignOut
		c.onSignOut = func(reason error, signInPath string) {
			if base != nil {
				base(reason, signInPath)
			}
			handler(reason, signInPath)
		}
	}
}

// WithHTTPClient replaces the HTTP client used for token refresh. The proxy
// and timeout settings from Config are not applied to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithVisibility reports whether the host is in the foreground. Reconnects
// are postponed while it returns false.
func WithVisibility(visible func() bool) Option {
	return func(c *Client) { c.visible = visible }
}

// WithClock overrides the time source for credential bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithManagerOptions appends options for the realtime manager. They are
// applied after the ones derived from Config, so realtime.WithDialer here
// replaces the configured proxy and handshake timeout.
func WithManagerOptions(opts ...realtime.Option) Option {
	return func(c *Client) { c.managerOpts = append(c.managerOpts, opts...) }
}
