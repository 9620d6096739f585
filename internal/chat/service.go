// Package chat implements chat creation, membership checks and message
// persistence on top of the store.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/apperr"
	"github.com/Tyrowin/ifschat/internal/events"
	"github.com/Tyrowin/ifschat/internal/store"
	"github.com/Tyrowin/ifschat/internal/users"
)

// Store is the persistence surface the chat service needs.
type Store interface {
	CountUsers(ctx context.Context, ids []string) (int64, error)
	UserChatIDs(ctx context.Context, userID string) ([]string, error)
	FindPrivateChat(ctx context.Context, key string) (*store.Chat, error)
	CreateChat(ctx context.Context, c *store.Chat, members []store.ChatMember) error
	ChatExists(ctx context.Context, chatID string) (bool, error)
	Membership(ctx context.Context, chatID, userID string) (*store.ChatMember, error)
	ChatsForUser(ctx context.Context, userID string) ([]store.Chat, error)
	CreateMessage(ctx context.Context, m *store.Message) error
	ChatMessages(ctx context.Context, chatID string) ([]store.Message, error)
	MarkRead(ctx context.Context, chatID, userID string, at time.Time) error
}

// CreateChatRequest is the body of POST /chat/create.
type CreateChatRequest struct {
	Type        string   `json:"type" validate:"omitempty,oneof=private group"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MembersIDs  []string `json:"membersIds" validate:"required,min=1,dive,required"`
}

// CreatedChat is returned by CreateChat.
type CreatedChat struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	MemberIDs  []string `json:"-"`
	AlreadyHad bool     `json:"-"`
}

// MessageView is the projection of a message sent to clients.
type MessageView struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Sender    users.Summary `json:"sender"`
}

// View is a chat as listed for a member.
type View struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	CreatorID   string    `json:"creatorId"`
	MemberIDs   []string  `json:"memberIds"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Service struct {
	store     Store
	publisher events.Publisher
	validate  *validator.Validate
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(s Store, publisher events.Publisher, log zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:     s,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateChat creates a private or group chat owned by creatorID. Asking for a
// private chat that already exists returns the existing one.
func (s *Service) CreateChat(ctx context.Context, creatorID string, req CreateChatRequest) (*CreatedChat, error) {
	if len(req.MembersIDs) == 0 {
		return nil, apperr.Validation("membersIds must be a non-empty array")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, apperr.Validation(validationMessage(err))
	}

	ids := uniqueIDs(creatorID, req.MembersIDs)

	n, err := s.store.CountUsers(ctx, ids)
	if err != nil {
		return nil, apperr.Internal("Failed to create chat", err)
	}
	if n != int64(len(ids)) {
		return nil, apperr.NotFound("One or more users do not exist")
	}

	chatType := store.ChatType(req.Type)
	if chatType == "" {
		chatType = store.ChatPrivate
		if len(ids) > 2 {
			chatType = store.ChatGroup
		}
	}

	switch chatType {
	case store.ChatPrivate:
		if len(ids) != 2 {
			return nil, apperr.Validation("Private chat must have exactly 2 members")
		}
		return s.createPrivate(ctx, creatorID, ids, req)
	default:
		name := strings.TrimSpace(req.Name)
		if name == "" {
			return nil, apperr.Validation("Group chat requires a name")
		}
		c := &store.Chat{Type: store.ChatGroup, Name: &name, Description: optional(req.Description), CreatorID: creatorID}
		if err := s.store.CreateChat(ctx, c, membersOf(creatorID, ids)); err != nil {
			return nil, apperr.Internal("Failed to create chat", err)
		}
		s.log.Info().Str("chat_id", c.ID).Str("creator_id", creatorID).Int("members", len(ids)).Msg("Group chat created")
		return &CreatedChat{ID: c.ID, Type: string(c.Type), MemberIDs: ids}, nil
	}
}

func (s *Service) createPrivate(ctx context.Context, creatorID string, ids []string, req CreateChatRequest) (*CreatedChat, error) {
	key := store.PrivateKeyFor(ids[0], ids[1])

	existing, err := s.store.FindPrivateChat(ctx, key)
	if err == nil {
		return &CreatedChat{ID: existing.ID, Type: string(existing.Type), MemberIDs: ids, AlreadyHad: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal("Failed to create chat", err)
	}

	c := &store.Chat{
		Type:        store.ChatPrivate,
		Name:        optional(req.Name),
		Description: optional(req.Description),
		CreatorID:   creatorID,
		PrivateKey:  &key,
	}
	err = s.store.CreateChat(ctx, c, membersOf(creatorID, ids))
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost the race against a concurrent request for the same pair.
		existing, ferr := s.store.FindPrivateChat(ctx, key)
		if ferr != nil {
			return nil, apperr.Internal("Failed to create chat", ferr)
		}
		return &CreatedChat{ID: existing.ID, Type: string(existing.Type), MemberIDs: ids, AlreadyHad: true}, nil
	}
	if err != nil {
		return nil, apperr.Internal("Failed to create chat", err)
	}

	s.log.Info().Str("chat_id", c.ID).Str("creator_id", creatorID).Msg("Private chat created")
	return &CreatedChat{ID: c.ID, Type: string(c.Type), MemberIDs: ids}, nil
}

// CreateMessage stores a message from senderID and returns its view.
func (s *Service) CreateMessage(ctx context.Context, chatID, senderID, content string) (*MessageView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.Validation("Message content cannot be empty")
	}
	if err := s.RequireMember(ctx, chatID, senderID); err != nil {
		return nil, err
	}

	m := &store.Message{ChatID: chatID, SenderID: senderID, Content: content, CreatedAt: s.now()}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Chat not found")
		}
		return nil, apperr.Internal("Failed to create message", err)
	}

	view := viewOf(m)
	err := s.publisher.Publish(ctx, chatID, events.Event{
		Type:       events.TypeMessageCreated,
		OccurredAt: m.CreatedAt,
		Data:       view,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", m.ID).Msg("message.created not published")
	}
	return &view, nil
}

// GetMessages returns the chat history and marks the chat read for requesterID.
func (s *Service) GetMessages(ctx context.Context, chatID, requesterID string) ([]MessageView, error) {
	if err := s.RequireMember(ctx, chatID, requesterID); err != nil {
		return nil, err
	}

	list, err := s.store.ChatMessages(ctx, chatID)
	if err != nil {
		return nil, apperr.Internal("Failed to load messages", err)
	}

	out := make([]MessageView, 0, len(list))
	for i := range list {
		out = append(out, viewOf(&list[i]))
	}

	if err := s.store.MarkRead(ctx, chatID, requesterID, s.now()); err != nil {
		s.log.Warn().Err(err).Str("chat_id", chatID).Str("user_id", requesterID).Msg("Failed to mark chat read")
	}
	return out, nil
}

func (s *Service) UserChatIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.store.UserChatIDs(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("Failed to load chats", err)
	}
	return ids, nil
}

// IsMember reports whether userID belongs to chatID.
func (s *Service) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	_, err := s.store.Membership(ctx, chatID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal("Failed to check membership", err)
	}
	return true, nil
}

// ListChats returns the user's chats, most recently updated first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]View, error) {
	list, err := s.store.ChatsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("Failed to list chats", err)
	}

	out := make([]View, 0, len(list))
	for _, c := range list {
		v := View{
			ID:          c.ID,
			Type:        string(c.Type),
			Name:        c.Name,
			Description: c.Description,
			CreatorID:   c.CreatorID,
			MemberIDs:   make([]string, 0, len(c.Members)),
			UpdatedAt:   c.UpdatedAt,
		}
		for _, m := range c.Members {
			v.MemberIDs = append(v.MemberIDs, m.UserID)
		}
		out = append(out, v)
	}
	return out, nil
}

// RequireMember fails with not found for an unknown chat and forbidden when
// userID is not one of its members.
func (s *Service) RequireMember(ctx context.Context, chatID, userID string) error {
	ok, err := s.store.ChatExists(ctx, chatID)
	if err != nil {
		return apperr.Internal("Failed to load chat", err)
	}
	if !ok {
		return apperr.NotFound("Chat not found")
	}

	member, err := s.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !member {
		return apperr.Forbidden("You are not a member of this chat")
	}
	return nil
}

func viewOf(m *store.Message) MessageView {
	return MessageView{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
		Sender:    users.SummaryOf(&m.Sender),
	}
}

// uniqueIDs returns creator followed by members, deduplicated, order kept.
func uniqueIDs(creatorID string, members []string) []string {
	seen := make(map[string]struct{}, len(members)+1)
	out := make([]string, 0, len(members)+1)
	for _, id := range append([]string{creatorID}, members...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func membersOf(creatorID string, ids []string) []store.ChatMember {
	out := make([]store.ChatMember, 0, len(ids))
	for _, id := range ids {
		role := store.RoleMember
		if id == creatorID {
			role = store.RoleAdmin
		}
		out = append(out, store.ChatMember{UserID: id, Role: role})
	}
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "oneof":
		return "type must be one of: private, group"
	case "required", "min":
		return "membersIds must be a non-empty array"
	}
	return fe.Field() + " is invalid"
}
