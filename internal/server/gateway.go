package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/apperr"
	"github.com/Tyrowin/ifschat/internal/chat"
	"github.com/Tyrowin/ifschat/internal/config"
	"github.com/Tyrowin/ifschat/internal/metrics"
)

const eventTimeout = 10 * time.Second

// ChatService is what the gateway and the chat REST handlers need.
type ChatService interface {
	CreateChat(ctx context.Context, creatorID string, req chat.CreateChatRequest) (*chat.CreatedChat, error)
	CreateMessage(ctx context.Context, chatID, senderID, content string) (*chat.MessageView, error)
	GetMessages(ctx context.Context, chatID, requesterID string) ([]chat.MessageView, error)
	UserChatIDs(ctx context.Context, userID string) ([]string, error)
	RequireMember(ctx context.Context, chatID, userID string) error
	ListChats(ctx context.Context, userID string) ([]chat.View, error)
}

// Gateway upgrades authenticated requests to WebSocket connections and
// handles their events.
type Gateway struct {
	hub      *Hub
	chats    ChatService
	tokens   TokenVerifier
	cfg      *config.Config
	origins  *originPolicy
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewGateway(hub *Hub, chats ChatService, tokens TokenVerifier, cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) *Gateway {
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &Gateway{
		hub:    hub,
		chats:  chats,
		tokens: tokens,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		origins: origins,
		metrics: m,
		log:     log,
	}
}

// ServeHTTP authenticates the handshake, upgrades the connection, joins the
// user's chat rooms and registers the client with the hub.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	claims, err := authenticateHandshake(g.tokens, r)
	if err != nil {
		var he *HandshakeError
		reason := ReasonInvalidToken
		if errors.As(err, &he) {
			reason = he.Reason
		}
		g.metrics.HandshakeRejections.WithLabelValues(reason).Inc()
		g.log.Info().Str("reason", reason).Str("addr", r.RemoteAddr).Msg("WebSocket handshake rejected")
		writeJSON(w, http.StatusUnauthorized, ErrorBody{
			StatusCode: http.StatusUnauthorized,
			Message:    "Unauthorized",
			Error:      apperr.KindUnauthorized.String(),
			Reason:     reason,
		})
		return
	}

	chatIDs, err := g.chats.UserChatIDs(r.Context(), claims.UserID())
	if err != nil {
		writeError(w, g.log, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(conn, g, ClientOptions{
		UserID:   claims.UserID(),
		Username: claims.Username,
		Addr:     r.RemoteAddr,
		ChatIDs:  chatIDs,
	})

	// The hub launches the pump goroutines.
	if !g.hub.Register(client) {
		_ = conn.Close()
		return
	}
	g.joinLateChats(client, chatIDs)
}

// joinLateChats joins c to chats created between the handshake lookup and
// registration; their JoinUsers calls could not see c yet.
func (g *Gateway) joinLateChats(c *Client, known []string) {
	ctx, cancel := context.WithTimeout(g.hub.ctx, eventTimeout)
	defer cancel()

	ids, err := g.chats.UserChatIDs(ctx, c.userID)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to refresh chat rooms after registration")
		return
	}

	seen := make(map[string]struct{}, len(known))
	for _, id := range known {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			c.hub.Join(c, RoomFor(id))
		}
	}
}

func (g *Gateway) dispatch(c *Client, env Envelope) {
	g.metrics.WSEvents.WithLabelValues(metricEventLabel(env.Event)).Inc()

	ctx, cancel := context.WithTimeout(c.hub.ctx, eventTimeout)
	defer cancel()

	switch env.Event {
	case EventJoinChat:
		g.handleJoinChat(ctx, c, env.Data)
	case EventTyping:
		g.handleTyping(c, env.Data)
	case EventSendMessage:
		g.handleSendMessage(ctx, c, env.Data)
	default:
		c.sendException("Unknown event: " + env.Event)
	}
}

func (g *Gateway) handleJoinChat(ctx context.Context, c *Client, data json.RawMessage) {
	var p JoinChatPayload
	if err := json.Unmarshal(data, &p); err != nil || strings.TrimSpace(p.ChatID) == "" {
		c.sendException("chatId is required")
		return
	}

	if err := g.chats.RequireMember(ctx, p.ChatID, c.userID); err != nil {
		g.fail(c, err)
		return
	}

	c.hub.Join(c, RoomFor(p.ChatID))
	c.emit(EventJoinedChat, JoinChatPayload{ChatID: p.ChatID})
}

func (g *Gateway) handleTyping(c *Client, data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || strings.TrimSpace(p.ChatID) == "" {
		c.sendException("chatId is required")
		return
	}

	payload, err := encodeEvent(EventTyping, TypingBroadcast{ChatID: p.ChatID, UserID: c.userID, IsTyping: p.IsTyping})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.hub.Broadcast(BroadcastMessage{
		Room:          RoomFor(p.ChatID),
		Sender:        c,
		Payload:       payload,
		RequireJoined: true,
	})
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, data json.RawMessage) {
	var p SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || strings.TrimSpace(p.ChatID) == "" {
		c.sendException("chatId is required")
		return
	}

	view, err := g.chats.CreateMessage(ctx, p.ChatID, c.userID, p.Content)
	if err != nil {
		g.fail(c, err)
		return
	}
	g.metrics.MessagesCreated.Inc()

	payload, err := encodeEvent(EventMessage, view)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.hub.Broadcast(BroadcastMessage{Room: RoomFor(p.ChatID), Payload: payload})
	c.emit(EventMessageSent, MessageSentPayload{ID: view.ID, ChatID: view.ChatID})
}

// fail reports err to the client as an exception event.
func (g *Gateway) fail(c *Client, err error) {
	e := apperr.As(err)
	if e.Kind == apperr.KindInternal {
		c.log.Error().Err(err).Msg("Event handling failed")
	}
	c.sendException(e.Message)
}

func metricEventLabel(event string) string {
	switch event {
	case EventJoinChat, EventTyping, EventSendMessage:
		return event
	default:
		return "unknown"
	}
}
