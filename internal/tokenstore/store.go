// Package tokenstore holds short-lived instruction tokens. A token is
// an opaque reference to a long system instruction so callback URLs
// stay within provider length limits.
package tokenstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long a token stays retrievable after Put.
const DefaultTTL = 600 * time.Second

// ErrTokenNotFound is returned by Get for unknown or expired tokens.
// Callers fall back to the default system instruction.
var ErrTokenNotFound = errors.New("instruction token not found or expired")

type entry struct {
	instruction string
	createdAt   time.Time
}

// Store is an in-memory TTL cache mapping tokens to instructions. It
// is the only mutable state shared across concurrent call sessions, so
// every operation takes the mutex.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty token store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewToken returns a fresh random 128-bit token as hex.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Put stores an instruction under token, overwriting any existing
// entry. Each Put also sweeps expired entries so memory stays bounded
// by recently active calls without a background goroutine.
func (s *Store) Put(token, instruction string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.Sub(e.createdAt) > s.ttl {
			delete(s.entries, k)
		}
	}
	s.entries[token] = entry{instruction: instruction, createdAt: now}
}

// Get returns the instruction for token. Expired entries are removed
// as a side effect and reported as ErrTokenNotFound.
func (s *Store) Get(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return "", ErrTokenNotFound
	}
	if s.now().Sub(e.createdAt) > s.ttl {
		delete(s.entries, token)
		return "", ErrTokenNotFound
	}
	return e.instruction, nil
}

// Len returns the number of live entries, expired or not. Exposed for
// the token store size gauge.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
