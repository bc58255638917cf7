// Package backend is the remote profile and auth store that sits beside the
// chat provider: email/password accounts, user profiles and the book
// listings users chat about. Postgres and MongoDB implementations are
// interchangeable; which one runs is a deployment choice made in Config.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotFound           = errors.New("not found")
	ErrWeakPassword       = errors.New("password is not strong enough")
	ErrNotSignedIn        = errors.New("not signed in")
)

// Account is an email/password login. Its ID doubles as the chat identity id.
type Account struct {
	ID        string    `json:"id" bson:"_id"`
	Email     string    `json:"email" bson:"email"`
	Name      string    `json:"name" bson:"name"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Profile is the editable user profile.
type Profile struct {
	ID         string    `json:"id" bson:"_id"`
	Name       string    `json:"name" bson:"name"`
	Email      string    `json:"email" bson:"email"`
	Phone      string    `json:"phone" bson:"phone"`
	University string    `json:"university" bson:"university"`
	Major      string    `json:"major" bson:"major"`
	ImageURL   string    `json:"profile_image_url" bson:"profile_image_url"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// Book is a listing offered by a seller.
type Book struct {
	ID        string    `json:"id" bson:"_id"`
	Title     string    `json:"title" bson:"title"`
	Author    string    `json:"author" bson:"author"`
	Subject   string    `json:"subject" bson:"subject"`
	Price     float64   `json:"price" bson:"price"`
	SellerID  string    `json:"seller_id" bson:"seller_id"`
	ImageURL  string    `json:"image_url,omitempty" bson:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// BookFilter narrows a book listing. Query matches title, author or subject.
type BookFilter struct {
	SellerID string
	Query    string
	Limit    int
}

// Store is the persistence contract both backends implement.
type Store interface {
	// CreateAccount stores a new account. It returns ErrEmailTaken when the
	// email is already registered.
	CreateAccount(ctx context.Context, account Account, passwordHash string) (Account, error)
	// AccountByEmail returns the account and its password hash.
	AccountByEmail(ctx context.Context, email string) (Account, string, error)

	Profile(ctx context.Context, id string) (Profile, error)
	UpsertProfile(ctx context.Context, p Profile) error

	Books(ctx context.Context, filter BookFilter) ([]Book, error)
	CreateBook(ctx context.Context, b Book) (Book, error)

	Close() error
}

const (
	KindPostgres = "postgres"
	KindMongo    = "mongo"
)

// Config selects and addresses a backend.
type Config struct {
	Kind     string `toml:"kind"`
	DSN      string `toml:"dsn"`
	Database string `toml:"database"`
}

// Open connects to the configured backend and prepares its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case KindPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	case KindMongo:
		return OpenMongo(ctx, cfg.DSN, cfg.Database)
	case "":
		return nil, errors.New("backend kind is required")
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
