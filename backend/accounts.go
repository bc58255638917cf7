package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"

	"github.com/textb-app/chatsync"
)

// MinPasswordEntropyBits is the strength a sign-up password must reach.
const MinPasswordEntropyBits = 30

// ChatSession is the part of the chat session that account flows drive.
// *chatsync.Engine and *chatsync.Session both satisfy it.
type ChatSession interface {
	Register(ctx context.Context, user chatsync.Identity) (*chatsync.Identity, error)
	Login(ctx context.Context, userID string) (*chatsync.Identity, error)
	Logout(ctx context.Context) error
}

// Accounts runs sign-up and sign-in against the backend and the chat
// provider together. The account id is the chat identity id.
type Accounts struct {
	store Store
	chat  ChatSession
	log   zerolog.Logger

	mu      sync.RWMutex
	current *Account
}

// NewAccounts creates the account flows over store and chat.
func NewAccounts(store Store, chat ChatSession, log zerolog.Logger) *Accounts {
	return &Accounts{store: store, chat: chat, log: log}
}

// SignUpParams is the sign-up form.
type SignUpParams struct {
	Email    string
	Password string
	Name     string
}

// SignUp creates the backend account and its profile, then registers and
// logs in the chat identity. When the chat step fails the account still
// exists and SignIn completes the registration.
func (a *Accounts) SignUp(ctx context.Context, params SignUpParams) (*Account, error) {
	email := strings.TrimSpace(params.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email %q", params.Email)
	}
	if err := passwordvalidator.Validate(params.Password, MinPasswordEntropyBits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account, err := a.store.CreateAccount(ctx, Account{Email: email, Name: params.Name}, string(hash))
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("account_id", account.ID).Msg("account created")

	if err := a.store.UpsertProfile(ctx, Profile{ID: account.ID, Name: account.Name, Email: account.Email}); err != nil {
		a.log.Warn().Err(err).Str("account_id", account.ID).Msg("profile create failed")
	}

	if _, err := a.chat.Register(ctx, chatsync.Identity{ID: account.ID, DisplayName: displayName(account)}); err != nil {
		return &account, fmt.Errorf("chat register: %w", err)
	}
	a.setCurrent(&account)
	return &account, nil
}

// SignIn checks the credentials and logs the chat identity in. A chat
// identity that was never created is registered on the way.
func (a *Accounts) SignIn(ctx context.Context, email, password string) (*Account, error) {
	account, hash, err := a.store.AccountByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if _, err := a.chat.Login(ctx, account.ID); err != nil {
		var ae *chatsync.AuthError
		if !errors.As(err, &ae) || ae.Kind == chatsync.AuthNetworkUnavailable {
			return nil, fmt.Errorf("chat login: %w", err)
		}
		a.log.Info().Str("account_id", account.ID).Msg("chat login failed, registering chat identity")
		if _, err := a.chat.Register(ctx, chatsync.Identity{ID: account.ID, DisplayName: displayName(account)}); err != nil {
			return nil, fmt.Errorf("chat register: %w", err)
		}
	}
	a.setCurrent(&account)
	return &account, nil
}

// SignOut logs out of the chat provider and forgets the signed-in account.
func (a *Accounts) SignOut(ctx context.Context) error {
	if err := a.chat.Logout(ctx); err != nil {
		return err
	}
	a.setCurrent(nil)
	return nil
}

// Current returns the signed-in account, or nil.
func (a *Accounts) Current() *Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Profile returns the signed-in user's profile. A missing profile is
// created empty.
func (a *Accounts) Profile(ctx context.Context) (Profile, error) {
	account := a.Current()
	if account == nil {
		return Profile{}, ErrNotSignedIn
	}
	p, err := a.store.Profile(ctx, account.ID)
	if errors.Is(err, ErrNotFound) {
		p = Profile{ID: account.ID}
		if err := a.store.UpsertProfile(ctx, p); err != nil {
			a.log.Warn().Err(err).Str("account_id", account.ID).Msg("profile create failed")
		}
		return p, nil
	}
	return p, err
}

// UpdateProfile replaces the signed-in user's profile.
func (a *Accounts) UpdateProfile(ctx context.Context, p Profile) error {
	account := a.Current()
	if account == nil {
		return ErrNotSignedIn
	}
	p.ID = account.ID
	return a.store.UpsertProfile(ctx, p)
}

// Books lists books matching filter.
func (a *Accounts) Books(ctx context.Context, filter BookFilter) ([]Book, error) {
	return a.store.Books(ctx, filter)
}

// AddBook lists a book for sale by the signed-in user.
func (a *Accounts) AddBook(ctx context.Context, b Book) (Book, error) {
	account := a.Current()
	if account == nil {
		return Book{}, ErrNotSignedIn
	}
	if strings.TrimSpace(b.Title) == "" {
		return Book{}, errors.New("book title is required")
	}
	if b.Price < 0 {
		return Book{}, errors.New("book price must not be negative")
	}
	b.SellerID = account.ID
	return a.store.CreateBook(ctx, b)
}

// Resume marks account as signed in without checking credentials, for a
// caller whose chat session was already restored.
func (a *Accounts) Resume(account *Account) {
	a.setCurrent(account)
}

func (a *Accounts) setCurrent(account *Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = account
}

func displayName(a Account) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Email
}
