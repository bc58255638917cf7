package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS profiles (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	university        TEXT NOT NULL DEFAULT '',
	major             TEXT NOT NULL DEFAULT '',
	profile_image_url TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS books (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	author     TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	price      DOUBLE PRECISION NOT NULL DEFAULT 0,
	seller_id  TEXT NOT NULL,
	image_url  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS books_seller_id ON books (seller_id);
`

const uniqueViolation = "23505"

// Postgres is the Store backed by a Postgres database.
type Postgres struct {
	conn *sql.DB
}

// OpenPostgres connects to dsn and creates the tables if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{conn: db}, nil
}

func (db *Postgres) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *Postgres) CreateAccount(ctx context.Context, account Account, passwordHash string) (Account, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, email, name, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, email, name, created_at",
		account.ID,
		strings.ToLower(account.Email),
		account.Name,
		passwordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(&a.ID, &a.Email, &a.Name, &a.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return Account{}, ErrEmailTaken
	}
	return a, err
}

func (db *Postgres) AccountByEmail(ctx context.Context, email string) (Account, string, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, email, name, created_at, password_hash FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		strings.ToLower(email),
	)

	var a Account
	var hash string
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.CreatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, "", ErrNotFound
	}
	return a, hash, err
}

func (db *Postgres) Profile(ctx context.Context, id string) (Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, name, email, phone, university, major, profile_image_url, created_at, updated_at "+
			"FROM profiles WHERE id = $1",
		id,
	)

	var p Profile
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.University, &p.Major, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (db *Postgres) UpsertProfile(ctx context.Context, p Profile) error {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO profiles (id, name, email, phone, university, major, profile_image_url, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) "+
			"ON CONFLICT (id) DO UPDATE SET name = $2, email = $3, phone = $4, university = $5, "+
			"major = $6, profile_image_url = $7, updated_at = $8",
		p.ID, p.Name, p.Email, p.Phone, p.University, p.Major, p.ImageURL, now,
	)
	return err
}

func (db *Postgres) Books(ctx context.Context, filter BookFilter) ([]Book, error) {
	query := "SELECT id, title, author, subject, price, seller_id, image_url, created_at, updated_at FROM books"
	var where []string
	var args []any
	if filter.SellerID != "" {
		args = append(args, filter.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR author ILIKE $%d OR subject ILIKE $%d)", n, n, n))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []Book
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.Subject, &b.Price, &b.SellerID, &b.ImageURL, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func (db *Postgres) CreateBook(ctx context.Context, b Book) (Book, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO books (id, title, author, subject, price, seller_id, image_url, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		b.ID, b.Title, b.Author, b.Subject, b.Price, b.SellerID, b.ImageURL, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return Book{}, err
	}
	return b, nil
}
