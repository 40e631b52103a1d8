package realtime

import (
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultPingInterval is the heartbeat period while a connection is open.
	DefaultPingInterval = 30 * time.Second
	// DefaultHandshakeTimeout bounds how long a dial may stay Connecting.
	DefaultHandshakeTimeout = 10 * time.Second

	writeWait = 10 * time.Second
)

// Option mutates a Manager during construction.
type Option func(*Manager)

// WithLogger routes manager logs to logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDialer replaces the websocket dialer. The dialer is copied; options that
// tune it (WithHandshakeTimeout, WithProxy) must come after this one.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) {
		if d == nil {
			return
		}
		clone := *d
		m.dialer = &clone
	}
}

// WithOrigin sets the hosting origin. Its scheme picks ws or wss and it is sent
// as the Origin header during the handshake.
func WithOrigin(origin string) Option {
	return func(m *Manager) { m.origin = origin }
}

// WithPingInterval overrides the heartbeat period.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pingInterval = d
		}
	}
}

// WithHandshakeTimeout bounds how long a connection may stay Connecting. A
// timed-out handshake is treated as a retryable close.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialer.HandshakeTimeout = d
		}
	}
}

// WithMaxReconnectAttempts overrides the automatic reconnect budget.
func WithMaxReconnectAttempts(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxAttempts = n
		}
	}
}

// WithVisibility installs a check reporting whether the host is in the
// foreground. Scheduled reconnects are skipped while it returns false.
func WithVisibility(visible func() bool) Option {
	return func(m *Manager) {
		if visible != nil {
			m.visible = visible
		}
	}
}

// WithProxy sets the proxy resolver used by the dialer.
func WithProxy(proxy func(*http.Request) (*url.URL, error)) Option {
	return func(m *Manager) {
		if proxy != nil {
			m.dialer.Proxy = proxy
		}
	}
}
