package store

import (
	"context"

	"gorm.io/gorm/clause"
)

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(u).Error; err != nil {
		return s.createErr(err, "users")
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, s.queryErr(err, "user by id")
	}
	return &u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		return nil, s.queryErr(err, "user by username")
	}
	return &u, nil
}

// SetUserActive flips the active flag; ErrNotFound when no row matched.
func (s *Store) SetUserActive(ctx context.Context, id string, active bool) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return s.queryErr(res.Error, "set user active")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetUserAvatar(ctx context.Context, id, avatarURL string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("avatar_url", avatarURL)
	if res.Error != nil {
		return s.queryErr(res.Error, "set user avatar")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveUsers returns active users other than excludeID ordered by username.
func (s *Store) ListActiveUsers(ctx context.Context, excludeID string) ([]User, error) {
	var out []User
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND id <> ?", true, excludeID).
		Order("username ASC").
		Find(&out).Error
	if err != nil {
		return nil, s.queryErr(err, "list active users")
	}
	return out, nil
}

// CountUsers counts how many of ids exist.
func (s *Store) CountUsers(ctx context.Context, ids []string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id IN ?", ids).Count(&n).Error; err != nil {
		return 0, s.queryErr(err, "count users")
	}
	return n, nil
}

func (s *Store) UserChatIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&ChatMember{}).
		Where("user_id = ?", userID).
		Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, s.queryErr(err, "user chat ids")
	}
	return ids, nil
}
