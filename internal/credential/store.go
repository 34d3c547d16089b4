// Package credential holds the bearer token between runs.
//
// Only the login and refresh paths write to a Store; the gateway reads it
// before every outgoing call. Writes are last-writer-wins.
package credential

import (
	"context"
	"errors"
	"strings"
	"sync"

	"grepud/internal/errs"
)

// ErrEmptyToken is returned by Set when asked to store a blank token.
var ErrEmptyToken = errors.New("credential token is empty")

// Credential is the current bearer token. The zero value is absent.
type Credential struct {
	Token   string
	Present bool
}

func Absent() Credential {
	return Credential{}
}

func Bearer(token string) Credential {
	token = strings.TrimSpace(token)
	return Credential{Token: token, Present: token != ""}
}

type Store interface {
	Get(ctx context.Context) (Credential, error)
	Set(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(_ context.Context) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Bearer(s.token), nil
}

func (s *MemoryStore) Set(_ context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errs.WrapInvalid(ErrEmptyToken)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	return nil
}
