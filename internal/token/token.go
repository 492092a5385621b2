// Package token owns the OAuth2 bearer tokens handed to transfer
// invocations. One Manager exists per configured identity; it refreshes the
// token before it comes within SafetyMargin of expiry and serializes every
// refresh so concurrent callers share one result.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailmigrate/internal/config"

	"go.uber.org/zap"
)

// SafetyMargin is the lead time before expiry at which a token is renewed.
const SafetyMargin = 10 * time.Minute

var (
	// ErrNoToken means no token was ever obtained and none can be acquired
	// without user interaction.
	ErrNoToken = errors.New("no oauth token available")

	// ErrUnknownIdentity means an account references an identity that is not configured.
	ErrUnknownIdentity = errors.New("unknown oauth identity")
)

// Op names the token endpoint operation that failed
type Op string

const (
	OpAcquire  Op = "acquire"
	OpRefresh  Op = "refresh"
	OpExchange Op = "exchange"
)

// RefreshError is returned when the token endpoint cannot produce a token.
type RefreshError struct {
	Identity string
	Op       Op
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("oauth %s for identity %s failed: %v", e.Op, e.Identity, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Token is one access token record.
type Token struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token,omitempty"`
	TokenType    string           `json:"token_type,omitempty"`
	Expiry       time.Time        `json:"expires_at"`
	Grant        config.GrantKind `json:"grant_type"`
}

// NearExpiry reports whether the token expires within margin of now.
func (t *Token) NearExpiry(now time.Time, margin time.Duration) bool {
	return !now.Before(t.Expiry.Add(-margin))
}

// State is the lifecycle state of a Manager
type State string

const (
	StateNoToken       State = "no_token"
	StateValid         State = "valid"
	StateNearExpiry    State = "near_expiry"
	StateRefreshFailed State = "refresh_failed"
	StatePersistFailed State = "persist_failed"
)

// Endpoint talks to the OAuth token endpoint.
type Endpoint interface {
	Exchange(ctx context.Context, code string) (*Token, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	ClientCredentials(ctx context.Context) (*Token, error)
}

// Manager owns the token of one identity.
type Manager struct {
	identity config.Identity
	endpoint Endpoint
	store    *FileStore
	logger   *zap.Logger
	margin   time.Duration
	now      func() time.Time
	onRenew  func(identity string, op Op, err error)

	mu       sync.Mutex
	tok      *Token
	loaded   bool
	obtained bool
	unsaved  bool
	state    State
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRenewHook registers a callback invoked after every endpoint call
func WithRenewHook(fn func(identity string, op Op, err error)) ManagerOption {
	return func(m *Manager) { m.onRenew = fn }
}

// NewManager creates a token manager for one identity
func NewManager(identity config.Identity, endpoint Endpoint, store *FileStore, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		identity: identity,
		endpoint: endpoint,
		store:    store,
		logger:   logger.With(zap.String("identity", identity.Name)),
		margin:   SafetyMargin,
		now:      time.Now,
		state:    StateNoToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Identity returns the identity name
func (m *Manager) Identity() string {
	return m.identity.Name
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Obtained reports whether a token has ever been held by this manager,
// either loaded from disk or returned by the endpoint.
func (m *Manager) Obtained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()
	return m.obtained
}

// GetValidToken returns a token that is not within the safety margin of its
// expiry, renewing it first when needed. Callers arriving while a renewal is
// in flight wait for it and reuse its result.
func (m *Manager) GetValidToken(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loadLocked()

	if m.tok == nil {
		if err := m.acquireLocked(ctx); err != nil {
			return nil, err
		}
		return m.copyLocked(), nil
	}

	if !m.tok.NearExpiry(m.now(), m.margin) {
		if err := m.persistLocked(); err != nil {
			return nil, err
		}
		m.state = StateValid
		return m.copyLocked(), nil
	}

	m.state = StateNearExpiry
	m.logger.Info("Token expires soon, refreshing", zap.Time("expiry", m.tok.Expiry))
	if err := m.renewLocked(ctx); err != nil {
		return nil, err
	}
	return m.copyLocked(), nil
}

// ForceRefresh renews the token regardless of its expiry, unless the access
// token has already changed from stale, in which case another caller has
// refreshed and its token is reused.
func (m *Manager) ForceRefresh(ctx context.Context, stale string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loadLocked()

	if m.tok == nil {
		if err := m.acquireLocked(ctx); err != nil {
			return nil, err
		}
		return m.copyLocked(), nil
	}

	if stale != "" && m.tok.AccessToken != stale && !m.tok.NearExpiry(m.now(), m.margin) {
		m.logger.Debug("Token already refreshed by another caller")
		if err := m.persistLocked(); err != nil {
			return nil, err
		}
		return m.copyLocked(), nil
	}

	if err := m.renewLocked(ctx); err != nil {
		return nil, err
	}
	return m.copyLocked(), nil
}

// Exchange trades an authorization code for a token and persists it.
func (m *Manager) Exchange(ctx context.Context, code string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.endpoint.Exchange(ctx, code)
	m.notify(OpExchange, err)
	if err != nil {
		m.state = StateRefreshFailed
		return nil, &RefreshError{Identity: m.identity.Name, Op: OpExchange, Err: err}
	}
	if err := m.installLocked(tok, config.GrantAuthorizationCode); err != nil {
		return nil, err
	}
	return m.copyLocked(), nil
}

func (m *Manager) loadLocked() {
	if m.loaded || m.store == nil {
		return
	}
	m.loaded = true

	tok, err := m.store.Load()
	if err != nil {
		m.logger.Error("Error loading token file", zap.Error(err))
		return
	}
	if tok != nil {
		m.tok = tok
		m.obtained = true
		m.state = StateValid
		m.logger.Info("Loaded existing OAuth token", zap.Time("expiry", tok.Expiry))
	}
}

func (m *Manager) acquireLocked(ctx context.Context) error {
	switch {
	case m.identity.Grant == config.GrantClientCredentials:
		m.logger.Info("Requesting access token using client credentials")
		tok, err := m.endpoint.ClientCredentials(ctx)
		m.notify(OpAcquire, err)
		if err != nil {
			m.state = StateRefreshFailed
			return &RefreshError{Identity: m.identity.Name, Op: OpAcquire, Err: err}
		}
		return m.installLocked(tok, config.GrantClientCredentials)

	case m.identity.AuthorizationCode != "":
		m.logger.Info("Exchanging configured authorization code")
		tok, err := m.endpoint.Exchange(ctx, m.identity.AuthorizationCode)
		m.notify(OpExchange, err)
		if err != nil {
			m.state = StateRefreshFailed
			return &RefreshError{Identity: m.identity.Name, Op: OpExchange, Err: err}
		}
		return m.installLocked(tok, config.GrantAuthorizationCode)
	}

	m.state = StateNoToken
	return fmt.Errorf("identity %s: %w", m.identity.Name, ErrNoToken)
}

func (m *Manager) renewLocked(ctx context.Context) error {
	if m.tok.Grant == config.GrantClientCredentials || m.identity.Grant == config.GrantClientCredentials {
		tok, err := m.endpoint.ClientCredentials(ctx)
		m.notify(OpAcquire, err)
		if err != nil {
			m.state = StateRefreshFailed
			m.logger.Error("Failed to re-acquire client credentials token", zap.Error(err))
			return &RefreshError{Identity: m.identity.Name, Op: OpAcquire, Err: err}
		}
		return m.installLocked(tok, config.GrantClientCredentials)
	}

	if m.tok.RefreshToken == "" {
		m.state = StateRefreshFailed
		return &RefreshError{Identity: m.identity.Name, Op: OpRefresh, Err: errors.New("no refresh token stored")}
	}

	tok, err := m.endpoint.Refresh(ctx, m.tok.RefreshToken)
	m.notify(OpRefresh, err)
	if err != nil {
		m.state = StateRefreshFailed
		m.logger.Error("Failed to refresh token", zap.Error(err))
		return &RefreshError{Identity: m.identity.Name, Op: OpRefresh, Err: err}
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = m.tok.RefreshToken
	}
	return m.installLocked(tok, config.GrantAuthorizationCode)
}

// installLocked replaces the token wholesale and persists it before any
// caller sees it. A token that failed to save stays in memory and is handed
// out only once a later save succeeds.
func (m *Manager) installLocked(tok *Token, grant config.GrantKind) error {
	tok.Grant = grant
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = m.now().Add(time.Hour)
	}

	m.tok = tok
	m.obtained = true
	m.state = StateValid
	m.unsaved = true
	m.logger.Info("OAuth token updated", zap.String("grant", string(grant)), zap.Time("expiry", tok.Expiry))
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	if !m.unsaved {
		return nil
	}
	if m.store != nil {
		if err := m.store.Save(m.tok); err != nil {
			m.state = StatePersistFailed
			m.logger.Error("Error saving token file", zap.String("identity", m.identity.Name), zap.Error(err))
			return fmt.Errorf("identity %s: saving token: %w", m.identity.Name, err)
		}
	}
	m.unsaved = false
	m.state = StateValid
	return nil
}

func (m *Manager) copyLocked() *Token {
	c := *m.tok
	return &c
}

func (m *Manager) notify(op Op, err error) {
	if m.onRenew != nil {
		m.onRenew(m.identity.Name, op, err)
	}
}
