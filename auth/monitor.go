package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	DefaultCheckInterval      = 120 * time.Second
	DefaultRefreshHorizon     = 120 * time.Second
	DefaultMinRefreshInterval = 30 * time.Second
)

// Status is the session state as seen by the Monitor.
type Status int

const (
	StatusValid Status = iota
	StatusRefreshing
	StatusSignedOut
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusRefreshing:
		return "refreshing"
	case StatusSignedOut:
		return "signed-out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MonitorConfig tunes a Monitor. Zero durations take the defaults.
type MonitorConfig struct {
	Interval           time.Duration
	RefreshHorizon     time.Duration
	MinRefreshInterval time.Duration

	// OnRefreshed runs after a refreshed credential has been stored.
	OnRefreshed func(Credential)
	// OnSignOut runs once when the session is signed out.
	OnSignOut func(reason error)

	Logger *log.Logger
	Now    func() time.Time
}

// Monitor refreshes the stored credential shortly before it expires and signs
// the session out when that fails or the credential has already expired.
// Checks are serialised: at most one runs at a time.
type Monitor struct {
	store     *Store
	refresher TokenRefresher
	cfg       MonitorConfig
	trigger   chan struct{}

	checking sync.Mutex // held for a whole Check, including the network call

	mu     sync.Mutex
	status Status
}

// NewMonitor returns a Monitor for store.
func NewMonitor(store *Store, refresher TokenRefresher, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckInterval
	}
	if cfg.RefreshHorizon <= 0 {
		cfg.RefreshHorizon = DefaultRefreshHorizon
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		store:     store,
		refresher: refresher,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
		status:    StatusValid,
	}
}

// Status returns the last observed session status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Reset leaves the signed-out state after a fresh sign-in.
func (m *Monitor) Reset() {
	m.setStatus(StatusValid)
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// Trigger asks Run to check now, for example when the app resumes.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run checks on every interval tick and on Trigger until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.runCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.trigger:
		}
		m.runCheck(ctx)
	}
}

func (m *Monitor) runCheck(ctx context.Context) {
	if _, err := m.Check(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.cfg.Logger.Printf("WARN: [auth] Session check: %v", err)
	}
}

// Check inspects the stored credential once. It refreshes when expiry is
// within the refresh horizon and the last refresh is older than the minimum
// interval. An expired credential, or a refresh the backend rejects, signs
// the session out.
func (m *Monitor) Check(ctx context.Context) (Status, error) {
	m.checking.Lock()
	defer m.checking.Unlock()

	if m.Status() == StatusSignedOut {
		return StatusSignedOut, nil
	}

	cred, ok := m.store.Load()
	if !ok {
		return m.signOut(ErrNoCredential)
	}

	now := m.cfg.Now()
	if cred.Expired(now) {
		return m.signOut(ErrSessionExpired)
	}
	if cred.ExpiresAt.Sub(now) > m.cfg.RefreshHorizon {
		return StatusValid, nil
	}
	if !cred.LastRefreshedAt.IsZero() && now.Sub(cred.LastRefreshedAt) < m.cfg.MinRefreshInterval {
		m.cfg.Logger.Printf("DEBUG: [auth] Refresh throttled; last refresh was %s ago.", now.Sub(cred.LastRefreshedAt).Round(time.Second))
		return StatusValid, nil
	}

	m.setStatus(StatusRefreshing)
	m.store.SetRefreshing(true)
	m.cfg.Logger.Printf("INFO: [auth] Access token expires in %s. Refreshing.", cred.ExpiresAt.Sub(now).Round(time.Second))

	next, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	m.store.SetRefreshing(false)
	if err != nil {
		if errors.Is(err, ErrRefreshAccessToken) {
			return m.signOut(err)
		}
		m.setStatus(StatusValid)
		return StatusValid, fmt.Errorf("refresh: %w", err)
	}

	next.LastRefreshedAt = m.cfg.Now()
	if err := m.store.Replace(next); err != nil {
		m.cfg.Logger.Printf("WARN: [auth] Refreshed credential kept in memory only: %v", err)
	}
	m.setStatus(StatusValid)
	if m.cfg.OnRefreshed != nil {
		m.cfg.OnRefreshed(next)
	}
	return StatusValid, nil
}

// signOut must be called with checking held.
func (m *Monitor) signOut(reason error) (Status, error) {
	m.setStatus(StatusSignedOut)
	if err := m.store.Clear(); err != nil {
		m.cfg.Logger.Printf("WARN: [auth] Failed to clear credentials on sign-out: %v", err)
	}
	m.cfg.Logger.Printf("INFO: [auth] Signing out: %v", reason)
	if m.cfg.OnSignOut != nil {
		m.cfg.OnSignOut(reason)
	}
	return StatusSignedOut, reason
}
