// Package auth supplies the API token used against the remote service.
package auth

import (
	"os"
	"strings"
	"sync"
)

// Provider returns the current token, or false when the user is signed out
type Provider interface {
	Token() (string, bool)
}

// Static holds a token in memory. The zero value has no token.
type Static struct {
	mu    sync.RWMutex
	token string
}

// NewStatic creates a Static provider
func NewStatic(token string) *Static {
	return &Static{token: token}
}

// Token returns the stored token
func (s *Static) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set replaces the token. An empty token signs out.
func (s *Static) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Env reads the token from an environment variable on every call
type Env string

// Token looks up the variable
func (e Env) Token() (string, bool) {
	token := strings.TrimSpace(os.Getenv(string(e)))
	return token, token != ""
}
