package backend

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store round trips against real databases. Set CHATSYNC_TEST_POSTGRES_DSN
// and/or CHATSYNC_TEST_MONGO_URI to run them.

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	stores := make(map[string]Store)
	if dsn := os.Getenv("CHATSYNC_TEST_POSTGRES_DSN"); dsn != "" {
		s, err := Open(ctx, Config{Kind: KindPostgres, DSN: dsn})
		require.NoError(t, err)
		stores[KindPostgres] = s
	}
	if uri := os.Getenv("CHATSYNC_TEST_MONGO_URI"); uri != "" {
		s, err := Open(ctx, Config{Kind: KindMongo, DSN: uri, Database: "chatsync_test"})
		require.NoError(t, err)
		stores[KindMongo] = s
	}
	if len(stores) == 0 {
		t.Skip("no test database configured")
	}
	for _, s := range stores {
		t.Cleanup(func() { s.Close() })
	}
	return stores
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for kind, s := range openStores(t) {
		t.Run(kind, func(t *testing.T) {
			email := fmt.Sprintf("u%d@example.com", time.Now().UnixNano())

			created, err := s.CreateAccount(ctx, Account{Email: email, Name: "Ann"}, "hash")
			require.NoError(t, err)
			require.NotEmpty(t, created.ID)

			_, err = s.CreateAccount(ctx, Account{Email: email}, "hash")
			assert.ErrorIs(t, err, ErrEmailTaken)

			got, hash, err := s.AccountByEmail(ctx, email)
			require.NoError(t, err)
			assert.Equal(t, created.ID, got.ID)
			assert.Equal(t, "hash", hash)

			_, _, err = s.AccountByEmail(ctx, "missing-"+email)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Profile(ctx, created.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.UpsertProfile(ctx, Profile{ID: created.ID, Name: "Ann"}))
			require.NoError(t, s.UpsertProfile(ctx, Profile{ID: created.ID, Name: "Ann", Major: "Math"}))
			p, err := s.Profile(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, "Math", p.Major)

			_, err = s.CreateBook(ctx, Book{Title: "Linear Algebra", Author: "Strang", SellerID: created.ID, Price: 20})
			require.NoError(t, err)
			books, err := s.Books(ctx, BookFilter{SellerID: created.ID, Query: "algebra"})
			require.NoError(t, err)
			require.Len(t, books, 1)
			assert.Equal(t, "Strang", books[0].Author)
		})
	}
}
