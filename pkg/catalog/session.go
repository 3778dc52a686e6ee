package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrSessionReleased is returned by a session used after Release.
var ErrSessionReleased = errors.New("catalog session released")

// Authenticator obtains a fresh credential from a catalog.
type Authenticator interface {
	Authenticate(ctx context.Context) (Token, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (Token, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context) (Token, error) { return f(ctx) }

// Session owns the credential for one catalog. It is created once at startup,
// refreshes the token when it expires or is rejected, and drops it on Release.
type Session struct {
	name   string
	id     string
	auth   Authenticator
	store  TokenStore
	ttl    time.Duration
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger

	// mu serializes logins so concurrent callers with an expired token
	// authenticate once.
	mu       sync.Mutex
	released atomic.Bool
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithTTL bounds tokens that the catalog issues without an expiry.
func WithTTL(ttl time.Duration) SessionOption {
	return func(s *Session) { s.ttl = ttl }
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession returns a session that stores its token under name.
func NewSession(name string, auth Authenticator, store TokenStore, opts ...SessionOption) *Session {
	if store == nil {
		store = NewMemoryTokenStore()
	}
	s := &Session{
		name:   name,
		id:     uuid.NewString(),
		auth:   auth,
		store:  store,
		margin: 30 * time.Second,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name is the catalog this session authenticates against.
func (s *Session) Name() string { return s.name }

// Acquire logs in unless a still valid token is already stored, for example
// by another replica sharing the store.
func (s *Session) Acquire(ctx context.Context) error {
	_, err := s.Token(ctx)
	return err
}

// Token returns a valid token, logging in again if the stored one expired.
func (s *Session) Token(ctx context.Context) (string, error) {
	if s.released.Load() {
		return "", ErrSessionReleased
	}
	if tok, ok, err := s.stored(ctx); err != nil || ok {
		return tok, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released.Load() {
		return "", ErrSessionReleased
	}
	// Another caller may have logged in while we waited.
	if tok, ok, err := s.stored(ctx); err != nil || ok {
		return tok, err
	}
	return s.login(ctx)
}

// Refresh discards the current token and logs in again. Callers use it after
// the catalog rejected a token.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released.Load() {
		return "", ErrSessionReleased
	}
	return s.login(ctx)
}

// Release deletes the stored token if this session wrote it. A token written
// by another session sharing the store stays in place. The session is
// unusable afterwards.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released.Swap(true) {
		return nil
	}
	deleted, err := s.store.DeleteOwned(ctx, s.name, s.id)
	if err != nil {
		return fmt.Errorf("release %s session: %w", s.name, err)
	}
	if !deleted {
		s.logger.Info("catalog session released, token kept for other owner", "catalog", s.name, "session_id", s.id)
		return nil
	}
	s.logger.Info("catalog session released", "catalog", s.name, "session_id", s.id)
	return nil
}

// stored returns the stored token when it is still valid.
func (s *Session) stored(ctx context.Context) (string, bool, error) {
	tok, ok, err := s.store.Load(ctx, s.name)
	if err != nil {
		return "", false, err
	}
	if !ok || !tok.Valid(s.now(), s.margin) {
		return "", false, nil
	}
	return tok.Value, true, nil
}

func (s *Session) login(ctx context.Context) (string, error) {
	tok, err := s.auth.Authenticate(ctx)
	if err != nil {
		return "", fmt.Errorf("authenticate with %s: %w", s.name, err)
	}
	if tok.Value == "" {
		return "", fmt.Errorf("authenticate with %s: %w: empty token", s.name, ErrUpstreamUnavailable)
	}
	if tok.ExpiresAt.IsZero() && s.ttl > 0 {
		tok.ExpiresAt = s.now().Add(s.ttl)
	}
	tok.Owner = s.id
	if err := s.store.Save(ctx, s.name, tok); err != nil {
		return "", fmt.Errorf("store %s token: %w", s.name, err)
	}
	s.logger.Info("catalog session acquired", "catalog", s.name, "session_id", s.id, "expires_at", tok.ExpiresAt)
	return tok.Value, nil
}
