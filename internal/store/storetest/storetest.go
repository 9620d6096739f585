// Package storetest provides an in-memory SQLite store for tests.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/store"
)

// Open returns a migrated store backed by a private in-memory database that
// is closed when the test ends.
func Open(t *testing.T) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	s, err := store.Open(context.Background(), store.Options{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test store: %v", err)
	}
	return s
}

// CreateUser inserts an active user with a placeholder password hash.
func CreateUser(t *testing.T, s *store.Store, username string) *store.User {
	t.Helper()

	u := &store.User{
		Username:     username,
		DisplayName:  username,
		IsActive:     true,
		PasswordHash: "x",
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("Failed to create user %s: %v", username, err)
	}
	return u
}
