package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// TokenStore supplies the current bearer credential for outbound requests.
// The credential source and refresh policy live outside the client; Execute
// only consumes a currently-valid value and fails with ErrAuth when none is
// available.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenStore holds a fixed credential. The value can be swapped at
// runtime (e.g. after an external refresh) without rebuilding the client.
type StaticTokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewStaticTokenStore creates a store with the given initial credential.
// An empty value is allowed at construction; Token will fail until Set is
// called with a real credential.
func NewStaticTokenStore(token string) *StaticTokenStore {
	return &StaticTokenStore{token: strings.TrimSpace(token)}
}

func (s *StaticTokenStore) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", fmt.Errorf("no credential available: %w", ErrAuth)
	}
	return s.token, nil
}

// Set replaces the stored credential.
func (s *StaticTokenStore) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
}
