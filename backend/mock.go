package backend

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateAccount(ctx context.Context, account Account, passwordHash string) (Account, error) {
	args := m.Called(ctx, account, passwordHash)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockStore) AccountByEmail(ctx context.Context, email string) (Account, string, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(Account), args.String(1), args.Error(2)
}
func (m *MockStore) Profile(ctx context.Context, id string) (Profile, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Profile), args.Error(1)
}
func (m *MockStore) UpsertProfile(ctx context.Context, p Profile) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}
func (m *MockStore) Books(ctx context.Context, filter BookFilter) ([]Book, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]Book), args.Error(1)
}
func (m *MockStore) CreateBook(ctx context.Context, b Book) (Book, error) {
	args := m.Called(ctx, b)
	return args.Get(0).(Book), args.Error(1)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
