package client

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AtDexters-Lab/realtime-session-client/auth"
	"github.com/AtDexters-Lab/realtime-session-client/realtime"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
apiUrl: https://api.example.com/
origin: https://app.example.com
tokenFile: /tmp/tokens.json
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIURL != "https://api.example.com" {
		t.Fatalf("apiUrl not normalised: %q", cfg.APIURL)
	}
	if cfg.AuthURL != cfg.APIURL {
		t.Fatalf("authUrl should default to apiUrl, got %q", cfg.AuthURL)
	}
	if cfg.PingInterval() != 30*time.Second || cfg.HandshakeTimeout() != 10*time.Second || cfg.RefreshTimeout() != 10*time.Second {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Fatalf("maxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
	if cfg.Monitor.Interval() != 120*time.Second || cfg.Monitor.RefreshHorizon() != 120*time.Second || cfg.Monitor.MinRefreshInterval() != 30*time.Second {
		t.Fatalf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
}

func TestConfigDefaultsMatchPackageDefaults(t *testing.T) {
	var cfg Config
	cfg.APIURL = "https://api.example.com"
	cfg.TokenFile = "/tmp/tokens.json"
	if err := cfg.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	checks := []struct {
		name      string
		got, want time.Duration
	}{
		{"pingInterval", cfg.PingInterval(), realtime.DefaultPingInterval},
		{"handshakeTimeout", cfg.HandshakeTimeout(), realtime.DefaultHandshakeTimeout},
		{"refreshTimeout", cfg.RefreshTimeout(), auth.DefaultRefreshTimeout},
		{"monitor.interval", cfg.Monitor.Interval(), auth.DefaultCheckInterval},
		{"monitor.refreshHorizon", cfg.Monitor.RefreshHorizon(), auth.DefaultRefreshHorizon},
		{"monitor.minRefreshInterval", cfg.Monitor.MinRefreshInterval(), auth.DefaultMinRefreshInterval},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s default = %s, want %s", c.name, c.got, c.want)
		}
	}
	if cfg.MaxReconnectAttempts != realtime.DefaultMaxReconnectAttempts {
		t.Errorf("maxReconnectAttempts default = %d, want %d", cfg.MaxReconnectAttempts, realtime.DefaultMaxReconnectAttempts)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
apiUrl = "wss://api.example.com"
maxReconnectAttempts = 3

[monitor]
refreshHorizonSeconds = 60

[proxy]
https = "http://proxy.example.com:3128"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.AuthURL != "https://api.example.com" {
		t.Fatalf("authUrl should map the websocket base to https, got %q", cfg.AuthURL)
	}
	if cfg.MaxReconnectAttempts != 3 || cfg.Monitor.RefreshHorizonSeconds != 60 {
		t.Fatalf("values not decoded: %+v", cfg)
	}
	if cfg.Proxy.HTTPS != "http://proxy.example.com:3128" {
		t.Fatalf("proxy not decoded: %+v", cfg.Proxy)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	cases := map[string]string{
		"config.yaml": "apiUrl: https://api.example.com\npingInterval: 5\n",
		"config.toml": "apiUrl = \"https://api.example.com\"\npingInterval = 5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, name, body)); err == nil {
				t.Fatal("expected unknown key to be rejected")
			}
		})
	}
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "config.yaml", "apiUrl: https://api.example.com\npingIntervalSeconds: 15\n")
	t.Setenv("REALTIME_API_URL", "https://staging.example.com")
	t.Setenv("REALTIME_AUTH_URL", "https://auth.staging.example.com")
	t.Setenv("REALTIME_MIN_REFRESH_INTERVAL_SECONDS", "45")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIURL != "https://staging.example.com" || cfg.AuthURL != "https://auth.staging.example.com" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.PingIntervalSeconds != 15 {
		t.Fatalf("file value lost: %d", cfg.PingIntervalSeconds)
	}
	if cfg.Monitor.MinRefreshIntervalSeconds != 45 {
		t.Fatalf("nested env override not applied: %d", cfg.Monitor.MinRefreshIntervalSeconds)
	}
}

func TestLoadConfigFromEnvironmentOnly(t *testing.T) {
	t.Setenv("REALTIME_API_URL", "http://localhost:8000")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TokenFile == "" {
		t.Fatal("token file should default")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing apiUrl":     "origin: https://app.example.com\n",
		"bad scheme":         "apiUrl: ftp://api.example.com\n",
		"missing host":       "apiUrl: https://\n",
		"websocket authUrl":  "apiUrl: https://api.example.com\nauthUrl: wss://api.example.com\n",
		"negative attempts":  "apiUrl: https://api.example.com\nmaxReconnectAttempts: -1\n",
		"origin without tls": "apiUrl: https://api.example.com\norigin: app.example.com\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "config.yaml", body))
			if err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestProxyFuncHandlesWebsocketSchemes(t *testing.T) {
	for _, k := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy", "NO_PROXY", "no_proxy"} {
		t.Setenv(k, "")
	}
	proxy := ProxyConfig{
		HTTPS:   "http://proxy.example.com:3128",
		NoProxy: "internal.example.com",
	}.ProxyFunc()

	req, _ := http.NewRequest(http.MethodGet, "wss://api.example.com/api/realtime/ws/token", nil)
	u, err := proxy(req)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if u == nil || u.Host != "proxy.example.com:3128" {
		t.Fatalf("expected https proxy for wss, got %v", u)
	}

	req, _ = http.NewRequest(http.MethodGet, "wss://internal.example.com/api/realtime/ws/token", nil)
	if u, _ := proxy(req); u != nil {
		t.Fatalf("noProxy host should bypass the proxy, got %v", u)
	}

	req, _ = http.NewRequest(http.MethodGet, "ws://api.example.com/api/realtime/ws/token", nil)
	if u, _ := proxy(req); u != nil {
		t.Fatalf("no http proxy configured, got %v", u)
	}
}
