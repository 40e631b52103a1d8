// Package client wires the auth layer and the realtime manager into one
// session: it owns the single Manager, keeps its token current and reconnects
// after a fresh sign-in.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/AtDexters-Lab/realtime-session-client/auth"
	"github.com/AtDexters-Lab/realtime-session-client/realtime"
)

// Client is the composition root for one signed-in user.
type Client struct {
	cfg         *Config
	logger      *log.Logger
	httpClient  *http.Client
	visible     func() bool
	now         func() time.Time
	managerOpts []realtime.Option
	onSignOut   SignOutHandler

	store     *auth.Store
	refresher *auth.Refresher
	monitor   *auth.Monitor
	manager   *realtime.Manager

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the credential store, refresher, monitor and realtime manager
// described by cfg. Nothing is started until Start.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client: config is required")
	}
	c := &Client{
		cfg:    cfg,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	proxy := cfg.Proxy.ProxyFunc()
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = proxy
		c.httpClient = &http.Client{Timeout: cfg.RefreshTimeout(), Transport: transport}
	}

	store, err := auth.NewStore(cfg.TokenFile, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	c.store = store

	c.refresher, err = auth.NewRefresher(cfg.AuthURL,
		auth.WithHTTPClient(c.httpClient),
		auth.WithRefresherLogger(c.logger),
		auth.WithClock(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token refresher: %w", err)
	}

	c.monitor = auth.NewMonitor(store, c.refresher, auth.MonitorConfig{
		Interval:           cfg.Monitor.Interval(),
		RefreshHorizon:     cfg.Monitor.RefreshHorizon(),
		MinRefreshInterval: cfg.Monitor.MinRefreshInterval(),
		OnRefreshed:        c.handleRefreshed,
		OnSignOut:          c.handleSignOut,
		Logger:             c.logger,
		Now:                c.now,
	})

	managerOpts := []realtime.Option{
		realtime.WithLogger(c.logger),
		realtime.WithOrigin(cfg.Origin),
		realtime.WithPingInterval(cfg.PingInterval()),
		realtime.WithHandshakeTimeout(cfg.HandshakeTimeout()),
		realtime.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
		realtime.WithProxy(proxy),
		realtime.WithVisibility(c.visible),
	}
	c.manager = realtime.NewManager(append(managerOpts, c.managerOpts...)...)
	return c, nil
}

// Manager returns the realtime manager consumers register handlers on.
func (c *Client) Manager() *realtime.Manager { return c.manager }

// Store returns the credential store.
func (c *Client) Store() *auth.Store { return c.store }

// Monitor returns the session monitor.
func (c *Client) Monitor() *auth.Monitor { return c.monitor }

// Start checks the session, connects the realtime manager and keeps both
// running until ctx is cancelled or Stop is called. A signed-out session
// stays idle until new credentials are written to the token file.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer c.cleanup()

	c.logger.Printf("INFO: [client] Session client started for %s", c.cfg.APIURL)

	if status, err := c.monitor.Check(ctx); status == auth.StatusSignedOut {
		c.logger.Printf("WARN: [client] No usable session (%v). Waiting for sign-in.", err)
	} else {
		if err != nil {
			c.logger.Printf("WARN: [client] Initial session check: %v", err)
		}
		c.connect()
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.monitor.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		if err := c.store.Watch(ctx, c.handleCredentialChange); err != nil {
			c.logger.Printf("WARN: [client] Credential file watch disabled: %v", err)
		}
	}()

	<-ctx.Done()
	c.logger.Printf("INFO: [client] Context canceled. Session client stopping.")
}

// Stop shuts the client down.
func (c *Client) Stop() {
	c.logger.Printf("INFO: [client] Stopping client...")
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) cleanup() {
	c.manager.Disconnect()
	c.wg.Wait()
	c.logger.Printf("INFO: [client] Client cleanup complete.")
}

// SendChat sends one chat message over the live connection.
func (c *Client) SendChat(recipientID, content string) error {
	return c.manager.Send(realtime.NewChatMessage(recipientID, content))
}

// Login stores a freshly issued token pair and clears a previous sign-out.
func (c *Client) Login(accessToken, refreshToken string) (auth.Credential, error) {
	if accessToken == "" || refreshToken == "" {
		return auth.Credential{}, errors.New("access and refresh tokens are required")
	}
	cred := auth.NewCredential(accessToken, refreshToken, c.now())
	if err := c.store.Replace(cred); err != nil {
		return auth.Credential{}, fmt.Errorf("failed to store credentials: %w", err)
	}
	c.monitor.Reset()
	return cred, nil
}

// Refresh exchanges the stored refresh token now, regardless of expiry, and
// stores the result.
func (c *Client) Refresh(ctx context.Context) (auth.Credential, error) {
	cred, ok := c.store.Load()
	if !ok {
		return auth.Credential{}, auth.ErrNoCredential
	}
	next, err := c.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return auth.Credential{}, err
	}
	next.LastRefreshedAt = c.now()
	if err := c.store.Replace(next); err != nil {
		return next, fmt.Errorf("failed to store refreshed credentials: %w", err)
	}
	c.handleRefreshed(next)
	return next, nil
}

func (c *Client) connect() {
	cred, ok := c.store.Load()
	if !ok {
		return
	}
	c.manager.Connect(c.cfg.APIURL, cred.AccessToken)
}

// handleRefreshed keeps a live connection as is; a connection that was
// closed for auth or abandoned is re-armed with the new token.
func (c *Client) handleRefreshed(cred auth.Credential) {
	if c.manager.Rearm(cred.AccessToken) {
		c.logger.Printf("INFO: [client] Reconnecting with refreshed token.")
	}
}

func (c *Client) handleSignOut(reason error) {
	c.manager.Disconnect()
	c.logger.Printf("WARN: [client] Session ended: %v. Sign in again at %s.", reason, SignInPath)
	if c.onSignOut != nil {
		c.onSignOut(reason, SignInPath)
	}
}

// handleCredentialChange runs when another process writes a new token pair,
// typically a fresh sign-in.
func (c *Client) handleCredentialChange(cred auth.Credential) {
	c.monitor.Reset()
	switch c.manager.State() {
	case realtime.StateOpen, realtime.StateConnecting:
		c.manager.Rearm(cred.AccessToken)
	default:
		c.manager.Connect(c.cfg.APIURL, cred.AccessToken)
	}
	c.monitor.Trigger()
}
