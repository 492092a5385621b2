package token

import (
	"context"
	"fmt"
	"path/filepath"

	"mailmigrate/internal/config"

	"go.uber.org/zap"
)

// Registry maps identity names to their managers.
type Registry struct {
	managers map[string]*Manager
}

// NewRegistry builds one manager per configured identity, each backed by the
// OAuth endpoint and a token file under the tokens directory.
func NewRegistry(cfg config.OAuth, logger *zap.Logger, opts ...ManagerOption) *Registry {
	r := &Registry{managers: make(map[string]*Manager, len(cfg.Identities))}
	for _, id := range cfg.Identities {
		store := NewFileStore(filepath.Join(cfg.TokensDir, fmt.Sprintf("oauth_tokens_%s.json", id.Name)))
		r.managers[id.Name] = NewManager(id, NewOAuthEndpoint(id), store, logger, opts...)
	}
	return r
}

// NewRegistryFrom wraps already-built managers
func NewRegistryFrom(managers ...*Manager) *Registry {
	r := &Registry{managers: make(map[string]*Manager, len(managers))}
	for _, m := range managers {
		r.managers[m.Identity()] = m
	}
	return r
}

// Manager returns the manager of the named identity
func (r *Registry) Manager(identity string) (*Manager, error) {
	m, ok := r.managers[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return m, nil
}

// GetValidToken returns a valid token for the identity
func (r *Registry) GetValidToken(ctx context.Context, identity string) (*Token, error) {
	m, err := r.Manager(identity)
	if err != nil {
		return nil, err
	}
	return m.GetValidToken(ctx)
}

// ForceRefresh renews the identity's token unless stale was already replaced
func (r *Registry) ForceRefresh(ctx context.Context, identity, stale string) (*Token, error) {
	m, err := r.Manager(identity)
	if err != nil {
		return nil, err
	}
	return m.ForceRefresh(ctx, stale)
}

// Preflight asks the identity for a valid token. The error is returned only
// when the identity has never held a token, so nothing could authenticate.
func (r *Registry) Preflight(ctx context.Context, identity string) error {
	m, err := r.Manager(identity)
	if err != nil {
		return err
	}
	if _, err := m.GetValidToken(ctx); err != nil && !m.Obtained() {
		return err
	}
	return nil
}
