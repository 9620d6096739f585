// Package users projects user records for REST consumption. Password hashes
// never leave this package.
package users

import (
	"context"
	"errors"

	"github.com/Tyrowin/ifschat/internal/apperr"
	"github.com/Tyrowin/ifschat/internal/store"
)

// Store is the persistence surface the directory reads from.
type Store interface {
	UserByID(ctx context.Context, id string) (*store.User, error)
	ListActiveUsers(ctx context.Context, excludeID string) ([]store.User, error)
	UserChatIDs(ctx context.Context, userID string) ([]string, error)
}

// Profile is the public projection of a user.
type Profile struct {
	ID              string   `json:"id"`
	Username        string   `json:"username"`
	DisplayName     string   `json:"displayName"`
	AvatarURL       *string  `json:"avatarUrl"`
	IsActive        bool     `json:"isActive"`
	ChatMemberships []string `json:"chatMemberships"`
}

// Summary is the projection embedded in message payloads.
type Summary struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

func SummaryOf(u *store.User) Summary {
	return Summary{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

type Directory struct {
	store Store
}

func NewDirectory(s Store) *Directory {
	return &Directory{store: s}
}

// Get returns the caller's profile including chat memberships.
func (d *Directory) Get(ctx context.Context, userID string) (*Profile, error) {
	u, err := d.store.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, apperr.Internal("Failed to load user", err)
	}

	chatIDs, err := d.store.UserChatIDs(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("Failed to load user", err)
	}
	if chatIDs == nil {
		chatIDs = []string{}
	}

	p := profileOf(u)
	p.ChatMemberships = chatIDs
	return &p, nil
}

// ListActive returns every active user except the caller, by username.
func (d *Directory) ListActive(ctx context.Context, callerID string) ([]Profile, error) {
	list, err := d.store.ListActiveUsers(ctx, callerID)
	if err != nil {
		return nil, apperr.Internal("Failed to list users", err)
	}

	out := make([]Profile, 0, len(list))
	for i := range list {
		p := profileOf(&list[i])
		p.ChatMemberships = []string{}
		out = append(out, p)
	}
	return out, nil
}

func profileOf(u *store.User) Profile {
	return Profile{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		IsActive:    u.IsActive,
	}
}
