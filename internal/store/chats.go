package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PrivateKeyFor returns the uniqueness key of the private chat between a and b.
func PrivateKeyFor(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// FindPrivateChat looks up the private chat with the given key.
func (s *Store) FindPrivateChat(ctx context.Context, key string) (*Chat, error) {
	var c Chat
	err := s.db.WithContext(ctx).
		Where("type = ? AND private_key = ?", ChatPrivate, key).
		First(&c).Error
	if err != nil {
		return nil, s.queryErr(err, "private chat")
	}
	return &c, nil
}

// CreateChat inserts the chat and all its members in one transaction.
// A private chat that collides with an existing pair yields ErrAlreadyExists.
func (s *Store) CreateChat(ctx context.Context, c *Chat, members []ChatMember) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(c).Error; err != nil {
			return err
		}
		for i := range members {
			members[i].ChatID = c.ID
		}
		return tx.Omit(clause.Associations).Create(&members).Error
	})
	if err != nil {
		return s.createErr(err, "chats")
	}
	c.Members = members
	return nil
}

func (s *Store) ChatExists(ctx context.Context, chatID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Chat{}).Where("id = ?", chatID).Count(&n).Error; err != nil {
		return false, s.queryErr(err, "chat exists")
	}
	return n > 0, nil
}

// Membership returns the (user, chat) membership row or ErrNotFound.
func (s *Store) Membership(ctx context.Context, chatID, userID string) (*ChatMember, error) {
	var m ChatMember
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		First(&m).Error
	if err != nil {
		return nil, s.queryErr(err, "membership")
	}
	return &m, nil
}

// ChatsForUser lists the user's chats with their members, most recent first.
func (s *Store) ChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	var out []Chat
	err := s.db.WithContext(ctx).
		Select("chats.*").
		Joins("JOIN chat_members cm ON cm.chat_id = chats.id AND cm.user_id = ?", userID).
		Preload("Members").
		Order("chats.updated_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, s.queryErr(err, "chats for user")
	}
	return out, nil
}

// CreateMessage persists m and bumps the chat's updated_at in one transaction.
// The sender is loaded into m.Sender on success.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(m).Error; err != nil {
			return err
		}
		res := tx.Model(&Chat{}).Where("id = ?", m.ChatID).Update("updated_at", m.CreatedAt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.First(&m.Sender, "id = ?", m.SenderID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return s.createErr(err, "messages")
	}
	return nil
}

// ChatMessages returns the messages of a chat in chronological order.
func (s *Store) ChatMessages(ctx context.Context, chatID string) ([]Message, error) {
	var out []Message
	err := s.db.WithContext(ctx).
		Preload("Sender").
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, s.queryErr(err, "chat messages")
	}
	return out, nil
}

// MarkRead records when the user last read the chat.
func (s *Store) MarkRead(ctx context.Context, chatID, userID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Update("last_read_at", at).Error
	if err != nil {
		return s.queryErr(err, "mark read")
	}
	return nil
}
