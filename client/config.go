package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
	"golang.org/x/net/http/httpproxy"
	"gopkg.in/yaml.v3"

	"github.com/AtDexters-Lab/realtime-session-client/auth"
	"github.com/AtDexters-Lab/realtime-session-client/realtime"
)

const (
	defaultPingIntervalSeconds       = int(realtime.DefaultPingInterval / time.Second)
	defaultHandshakeTimeoutSeconds   = int(realtime.DefaultHandshakeTimeout / time.Second)
	defaultMaxReconnectAttempts      = realtime.DefaultMaxReconnectAttempts
	defaultRefreshTimeoutSeconds     = int(auth.DefaultRefreshTimeout / time.Second)
	defaultMonitorIntervalSeconds    = int(auth.DefaultCheckInterval / time.Second)
	defaultRefreshHorizonSeconds     = int(auth.DefaultRefreshHorizon / time.Second)
	defaultMinRefreshIntervalSeconds = int(auth.DefaultMinRefreshInterval / time.Second)
)

// Config is the on-disk client configuration. Every field can be overridden
// from the environment.
type Config struct {
	APIURL                  string        `yaml:"apiUrl" toml:"apiUrl" env:"REALTIME_API_URL"`
	AuthURL                 string        `yaml:"authUrl" toml:"authUrl" env:"REALTIME_AUTH_URL"`
	Origin                  string        `yaml:"origin" toml:"origin" env:"REALTIME_ORIGIN"`
	TokenFile               string        `yaml:"tokenFile" toml:"tokenFile" env:"REALTIME_TOKEN_FILE"`
	PingIntervalSeconds     int           `yaml:"pingIntervalSeconds" toml:"pingIntervalSeconds" env:"REALTIME_PING_INTERVAL_SECONDS"`
	HandshakeTimeoutSeconds int           `yaml:"handshakeTimeoutSeconds" toml:"handshakeTimeoutSeconds" env:"REALTIME_HANDSHAKE_TIMEOUT_SECONDS"`
	MaxReconnectAttempts    int           `yaml:"maxReconnectAttempts" toml:"maxReconnectAttempts" env:"REALTIME_MAX_RECONNECT_ATTEMPTS"`
	RefreshTimeoutSeconds   int           `yaml:"refreshTimeoutSeconds" toml:"refreshTimeoutSeconds" env:"REALTIME_REFRESH_TIMEOUT_SECONDS"`
	Monitor                 MonitorConfig `yaml:"monitor" toml:"monitor"`
	Proxy                   ProxyConfig   `yaml:"proxy" toml:"proxy"`
}

type MonitorConfig struct {
	IntervalSeconds           int `yaml:"intervalSeconds" toml:"intervalSeconds" env:"REALTIME_MONITOR_INTERVAL_SECONDS"`
	RefreshHorizonSeconds     int `yaml:"refreshHorizonSeconds" toml:"refreshHorizonSeconds" env:"REALTIME_REFRESH_HORIZON_SECONDS"`
	MinRefreshIntervalSeconds int `yaml:"minRefreshIntervalSeconds" toml:"minRefreshIntervalSeconds" env:"REALTIME_MIN_REFRESH_INTERVAL_SECONDS"`
}

// ProxyConfig selects outbound proxies for both the websocket dialer and the
// refresh client. Empty fields fall back to the standard proxy variables.
type ProxyConfig struct {
	HTTP    string `yaml:"http" toml:"http" env:"REALTIME_HTTP_PROXY"`
	HTTPS   string `yaml:"https" toml:"https" env:"REALTIME_HTTPS_PROXY"`
	NoProxy string `yaml:"noProxy" toml:"noProxy" env:"REALTIME_NO_PROXY"`
}

// ProxyFunc resolves the proxy for a request.
func (p ProxyConfig) ProxyFunc() func(*http.Request) (*url.URL, error) {
	env := httpproxy.FromEnvironment()
	if p.HTTP != "" {
		env.HTTPProxy = p.HTTP
	}
	if p.HTTPS != "" {
		env.HTTPSProxy = p.HTTPS
	}
	if p.NoProxy != "" {
		env.NoProxy = p.NoProxy
	}
	resolve := env.ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		u := *req.URL
		// httpproxy only knows http and https.
		switch u.Scheme {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
		return resolve(&u)
	}
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c *Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

func (m MonitorConfig) RefreshHorizon() time.Duration {
	return time.Duration(m.RefreshHorizonSeconds) * time.Second
}

func (m MonitorConfig) MinRefreshInterval() time.Duration {
	return time.Duration(m.MinRefreshIntervalSeconds) * time.Second
}

// DefaultTokenFile is where credentials are kept when tokenFile is unset.
func DefaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "realtime-session", "tokens.json")
}

// LoadConfig reads a YAML or TOML (by extension) config file, applies
// environment overrides and defaults, and validates the result. An empty path
// configures from the environment alone.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			md, err := toml.Decode(string(data), &cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal toml from %s: %w", path, err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
			}
		} else {
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
			}
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finalize() error {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.APIURL == "" {
		return fmt.Errorf("apiUrl is required")
	}
	if err := checkBaseURL("apiUrl", c.APIURL, "http", "https", "ws", "wss"); err != nil {
		return err
	}
	c.AuthURL = strings.TrimRight(strings.TrimSpace(c.AuthURL), "/")
	if c.AuthURL == "" {
		c.AuthURL = httpBase(c.APIURL)
	}
	if err := checkBaseURL("authUrl", c.AuthURL, "http", "https"); err != nil {
		return err
	}
	if c.Origin != "" {
		if err := checkBaseURL("origin", c.Origin, "http", "https"); err != nil {
			return err
		}
	}
	if c.TokenFile == "" {
		c.TokenFile = DefaultTokenFile()
	}

	// Validation and setting defaults
	if c.PingIntervalSeconds <= 0 {
		c.PingIntervalSeconds = defaultPingIntervalSeconds
	}
	if c.HandshakeTimeoutSeconds <= 0 {
		c.HandshakeTimeoutSeconds = defaultHandshakeTimeoutSeconds
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("maxReconnectAttempts must not be negative, got %d", c.MaxReconnectAttempts)
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.RefreshTimeoutSeconds <= 0 {
		c.RefreshTimeoutSeconds = defaultRefreshTimeoutSeconds
	}
	if c.Monitor.IntervalSeconds <= 0 {
		c.Monitor.IntervalSeconds = defaultMonitorIntervalSeconds
	}
	if c.Monitor.RefreshHorizonSeconds <= 0 {
		c.Monitor.RefreshHorizonSeconds = defaultRefreshHorizonSeconds
	}
	if c.Monitor.MinRefreshIntervalSeconds <= 0 {
		c.Monitor.MinRefreshIntervalSeconds = defaultMinRefreshIntervalSeconds
	}

	for name, raw := range map[string]string{"proxy.http": c.Proxy.HTTP, "proxy.https": c.Proxy.HTTPS} {
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func checkBaseURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("%s: unsupported scheme %q in %s", field, u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host in %s", field, raw)
	}
	return nil
}

// httpBase maps a websocket base URL onto the matching HTTP scheme.
func httpBase(raw string) string {
	switch {
	case strings.HasPrefix(raw, "wss://"):
		return "https://" + strings.TrimPrefix(raw, "wss://")
	case strings.HasPrefix(raw, "ws://"):
		return "http://" + strings.TrimPrefix(raw, "ws://")
	}
	return raw
}
