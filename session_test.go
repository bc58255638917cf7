package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		s := NewSession(newFakeProvider(), zerolog.Nop())
		id, err := s.Login(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", id.ID)
		assert.Equal(t, id, s.Current())
		assert.Equal(t, uint64(1), s.Epoch())
	})

	t.Run("empty user id", func(t *testing.T) {
		s := NewSession(newFakeProvider(), zerolog.Nop())
		_, err := s.Login(ctx, "")
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, AuthUnauthorized, ae.Kind)
		assert.Nil(t, s.Current())
	})

	t.Run("failure keeps previous identity", func(t *testing.T) {
		p := newFakeProvider()
		s := NewSession(p, zerolog.Nop())
		_, err := s.Login(ctx, "u1")
		require.NoError(t, err)

		p.set(func(p *fakeProvider) { p.loginErr = fmt.Errorf("dial: %w", ErrNetwork) })
		_, err = s.Login(ctx, "u2")
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, AuthNetworkUnavailable, ae.Kind)
		assert.True(t, errors.Is(err, ErrNetwork))
		assert.Equal(t, "u1", s.Current().ID)
		assert.Equal(t, uint64(1), s.Epoch())
	})
}

func TestSessionRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("already exists continues with login", func(t *testing.T) {
		p := newFakeProvider()
		p.createErr = &APIError{Code: "ERR_UID_ALREADY_EXISTS", Message: "uid taken"}
		s := NewSession(p, zerolog.Nop())
		id, err := s.Register(ctx, Identity{ID: "u1", DisplayName: "One"})
		require.NoError(t, err)
		assert.Equal(t, "u1", id.ID)
		assert.Equal(t, "u1", s.Current().ID)
	})

	t.Run("retry after failed login does not surface already exists", func(t *testing.T) {
		p := newFakeProvider()
		p.loginErr = ErrNetwork
		s := NewSession(p, zerolog.Nop())
		_, err := s.Register(ctx, Identity{ID: "u1"})
		require.Error(t, err)

		p.set(func(p *fakeProvider) {
			p.loginErr = nil
			p.createErr = ErrAlreadyExists
		})
		_, err = s.Register(ctx, Identity{ID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, "u1", s.Current().ID)
	})

	t.Run("other create errors surface", func(t *testing.T) {
		p := newFakeProvider()
		p.createErr = ErrNetwork
		s := NewSession(p, zerolog.Nop())
		_, err := s.Register(ctx, Identity{ID: "u1"})
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, AuthNetworkUnavailable, ae.Kind)
		assert.Nil(t, s.Current())
	})
}

func TestSessionLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("failure keeps identity", func(t *testing.T) {
		p := newFakeProvider()
		s := NewSession(p, zerolog.Nop())
		_, err := s.Login(ctx, "u1")
		require.NoError(t, err)

		p.set(func(p *fakeProvider) { p.logoutErr = ErrNetwork })
		err = s.Logout(ctx)
		require.Error(t, err)
		assert.Equal(t, "u1", s.Current().ID)
	})

	t.Run("unauthorized counts as logged out", func(t *testing.T) {
		p := newFakeProvider()
		s := NewSession(p, zerolog.Nop())
		_, err := s.Login(ctx, "u1")
		require.NoError(t, err)

		p.set(func(p *fakeProvider) { p.logoutErr = ErrUnauthorized })
		require.NoError(t, s.Logout(ctx))
		assert.Nil(t, s.Current())
		assert.Equal(t, uint64(2), s.Epoch())
	})
}

func TestSessionConcurrentLogins(t *testing.T) {
	p := newFakeProvider()
	s := NewSession(p, zerolog.Nop())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Login(context.Background(), fmt.Sprintf("u%d", i%2))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(n), s.Epoch())
	first := s.Current()
	require.NotNil(t, first)
	for i := 0; i < 10; i++ {
		assert.Same(t, first, s.Current())
	}
}

func TestRequireIdentity(t *testing.T) {
	s := NewSession(newFakeProvider(), zerolog.Nop())
	_, err := s.RequireIdentity()
	assert.ErrorIs(t, err, ErrUnauthorized)
}
