package realtime

import (
	"math"
	"time"

	"github.com/gorilla/websocket"
)

const (
	baseReconnectDelay  = 3 * time.Second
	maxReconnectDelay   = 30 * time.Second
	reconnectMultiplier = 1.5

	// DefaultMaxReconnectAttempts bounds consecutive automatic reconnects.
	DefaultMaxReconnectAttempts = 5
)

// ReconnectDelay returns the wait before reconnect attempt n (zero based):
// min(3s * 1.5^n, 30s).
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(baseReconnectDelay) * math.Pow(reconnectMultiplier, float64(attempt))
	if d >= float64(maxReconnectDelay) {
		return maxReconnectDelay
	}
	return time.Duration(d)
}

type closeClass int

const (
	closeRetryable closeClass = iota
	closeTerminal
	closeAuthRejected
)

func (c closeClass) String() string {
	switch c {
	case closeTerminal:
		return "terminal"
	case closeAuthRejected:
		return "auth-rejected"
	default:
		return "retryable"
	}
}

// classifyClose decides whether a close code warrants a reconnect. Normal
// closure and going-away are deliberate; a policy violation is how the server
// rejects a stale or invalid token, so retrying with the same token is useless.
func classifyClose(code int) closeClass {
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return closeTerminal
	case websocket.ClosePolicyViolation:
		return closeAuthRejected
	default:
		return closeRetryable
	}
}
