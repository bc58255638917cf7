package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Session owns the login lifecycle against the chat provider and holds the
// process-wide current identity. Other components take a *Session instead of
// reaching for global state.
//
// The identity starts empty, is set by the first successful Login (or
// Register) and cleared by Logout. Every transition bumps Epoch, which push
// handlers use to discard events dispatched under a previous identity.
type Session struct {
	provider Provider
	log      zerolog.Logger

	mu       sync.Mutex
	current  atomic.Pointer[Identity]
	epoch    atomic.Uint64
	onChange []func(*Identity)
}

// NewSession creates a logged-out session.
func NewSession(provider Provider, log zerolog.Logger) *Session {
	return &Session{provider: provider, log: log}
}

// Current returns the logged-in identity, or nil.
func (s *Session) Current() *Identity {
	return s.current.Load()
}

// Epoch returns the identity generation.
func (s *Session) Epoch() uint64 {
	return s.epoch.Load()
}

// OnChange registers a callback run after every identity transition.
func (s *Session) OnChange(fn func(*Identity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Login authenticates userID with the provider. The remote call runs
// unlocked; concurrent logins resolve to the last one to complete.
func (s *Session) Login(ctx context.Context, userID string) (*Identity, error) {
	if userID == "" {
		return nil, &AuthError{Kind: AuthUnauthorized, Detail: "empty user id"}
	}
	id, err := s.provider.Login(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("login failed")
		return nil, newAuthError(err)
	}
	s.swap(id)
	s.log.Info().Str("user_id", id.ID).Msg("logged in")
	return id, nil
}

// Register creates the identity with the provider and logs it in. A
// provider "already exists" answer is not an error: the remote identity is
// there either way, so a caller whose previous attempt failed at the login
// step can simply call Register (or Login) again.
func (s *Session) Register(ctx context.Context, user Identity) (*Identity, error) {
	if user.ID == "" {
		return nil, &AuthError{Kind: AuthUnknown, Detail: "empty user id"}
	}
	if _, err := s.provider.CreateUser(ctx, user); err != nil {
		ae := newAuthError(err)
		if ae.Kind != AuthAlreadyExists {
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("register failed")
			return nil, ae
		}
		s.log.Info().Str("user_id", user.ID).Msg("user already exists, continuing with login")
	}
	return s.Login(ctx, user.ID)
}

// Logout ends the provider session. On failure the local identity is kept.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.provider.Logout(ctx); err != nil {
		ae := newAuthError(err)
		// A provider that no longer knows the session has logged us out already.
		if ae.Kind != AuthUnauthorized {
			s.log.Warn().Err(err).Msg("logout failed")
			return ae
		}
	}
	s.swap(nil)
	s.log.Info().Msg("logged out")
	return nil
}

// RequireIdentity returns the current identity or ErrUnauthorized.
func (s *Session) RequireIdentity() (*Identity, error) {
	if id := s.Current(); id != nil {
		return id, nil
	}
	return nil, errors.Join(ErrUnauthorized, errors.New("no active session"))
}

func (s *Session) swap(id *Identity) {
	s.mu.Lock()
	s.current.Store(id)
	s.epoch.Add(1)
	callbacks := append([]func(*Identity){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(id)
	}
}
