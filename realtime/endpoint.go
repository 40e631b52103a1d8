package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointPath is the realtime route; the access token is the final segment.
const EndpointPath = "/api/realtime/ws/"

// EndpointURL builds the websocket URL for base and token. The scheme follows
// the hosting origin when one is given (wss for https/wss origins), otherwise
// the scheme of base itself. Only the host of base is kept.
func EndpointURL(base, token, origin string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("realtime: token is required")
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("realtime: invalid endpoint %q: %w", base, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime: endpoint %q has no host", base)
	}

	secure := isSecureScheme(u.Scheme)
	if origin != "" {
		o, err := url.Parse(origin)
		if err != nil {
			return "", fmt.Errorf("realtime: invalid origin %q: %w", origin, err)
		}
		secure = isSecureScheme(o.Scheme)
	}

	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + EndpointPath + url.PathEscape(token), nil
}

func isSecureScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return true
	default:
		return false
	}
}
