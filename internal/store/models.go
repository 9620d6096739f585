package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatType distinguishes two-party chats from named groups.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// MemberRole is the role a user holds inside a chat.
type MemberRole string

const (
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

type User struct {
	ID           string  `gorm:"primaryKey;size:36"`
	Username     string  `gorm:"size:64;not null;uniqueIndex"`
	DisplayName  string  `gorm:"size:128;not null"`
	AvatarURL    *string `gorm:"size:255"`
	IsActive     bool    `gorm:"not null;default:false;index"`
	PasswordHash string  `gorm:"size:255;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Memberships []ChatMember `gorm:"foreignKey:UserID"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

type Chat struct {
	ID          string   `gorm:"primaryKey;size:36"`
	Type        ChatType `gorm:"size:16;not null"`
	Name        *string  `gorm:"size:128"`
	Description *string  `gorm:"size:512"`
	CreatorID   string   `gorm:"size:36;not null"`
	// PrivateKey is the sorted member pair of a private chat and NULL for
	// groups; its unique index makes private chats unique per pair.
	PrivateKey *string `gorm:"size:80;uniqueIndex"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"index"`

	Members []ChatMember `gorm:"foreignKey:ChatID"`
}

func (c *Chat) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// ChatMember links a user to a chat.
type ChatMember struct {
	UserID     string     `gorm:"primaryKey;size:36"`
	ChatID     string     `gorm:"primaryKey;size:36;index"`
	Role       MemberRole `gorm:"size:16;not null"`
	LastReadAt *time.Time
	JoinedAt   time.Time `gorm:"autoCreateTime"`

	User User `gorm:"foreignKey:UserID"`
	Chat Chat `gorm:"foreignKey:ChatID"`
}

type Message struct {
	ID        string    `gorm:"primaryKey;size:36"`
	ChatID    string    `gorm:"size:36;not null;index:idx_messages_chat_created,priority:1"`
	SenderID  string    `gorm:"size:36;not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_messages_chat_created,priority:2"`

	Sender User `gorm:"foreignKey:SenderID"`
	Chat   Chat `gorm:"foreignKey:ChatID"`
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
