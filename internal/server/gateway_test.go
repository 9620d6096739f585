package server

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Tyrowin/ifschat/internal/chat"
	"github.com/Tyrowin/ifschat/internal/testhelpers"
)

// TestSendMessageScenario walks the main flow: A joins a chat, B sends a
// message, A receives it with B's projection and B gets an acknowledgement.
func TestSendMessageScenario(t *testing.T) {
	env := newTestEnv(t)
	a := env.signUp(t, "alice")
	b := env.signUp(t, "bob")
	chatID := env.createChat(t, a, chat.CreateChatRequest{MembersIDs: []string{b.id}})

	connA := env.connect(t, a)
	if err := testhelpers.SendEvent(connA, EventJoinChat, JoinChatPayload{ChatID: chatID}); err != nil {
		t.Fatalf("Failed to send joinChat: %v", err)
	}
	var joined JoinChatPayload
	testhelpers.WaitForEvent(t, connA, EventJoinedChat, eventWait).Decode(t, &joined)
	if joined.ChatID != chatID {
		t.Errorf("Expected joinedChat for %s, got %s", chatID, joined.ChatID)
	}

	connB := env.connect(t, b)
	if err := testhelpers.SendEvent(connB, EventSendMessage, SendMessagePayload{ChatID: chatID, Content: "hi"}); err != nil {
		t.Fatalf("Failed to send sendMessage: %v", err)
	}

	var got chat.MessageView
	testhelpers.WaitForEvent(t, connA, EventMessage, eventWait).Decode(t, &got)
	if got.Content != "hi" || got.ChatID != chatID {
		t.Errorf("Unexpected message: %+v", got)
	}
	if got.Sender.ID != b.id || got.Sender.Username != "bob" || got.Sender.DisplayName != "bob" {
		t.Errorf("Expected bob's projection, got %+v", got.Sender)
	}

	var ack MessageSentPayload
	testhelpers.WaitForEvent(t, connB, EventMessageSent, eventWait).Decode(t, &ack)
	if ack.ID != got.ID || ack.ChatID != chatID {
		t.Errorf("Expected ack {%s %s}, got %+v", got.ID, chatID, ack)
	}

	if v := testutil.ToFloat64(env.metrics.MessagesCreated); v != 1 {
		t.Errorf("Expected 1 message counted, got %v", v)
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.url("/chat/"+chatID+"/messages"), a.token, nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	var history []chat.MessageView
	testhelpers.DecodeBody(t, resp, &history)
	if len(history) != 1 || history[0].ID != got.ID {
		t.Errorf("Expected the message in history, got %+v", history)
	}
}

// TestPresenceBroadcastsOncePerTransition verifies online and offline are
// announced exactly once per user regardless of how many tabs they open.
func TestPresenceBroadcastsOncePerTransition(t *testing.T) {
	env := newTestEnv(t)
	observer := env.signUp(t, "observer")
	a := env.signUp(t, "alice")

	obs := env.connect(t, observer)
	var self PresencePayload
	testhelpers.WaitForEvent(t, obs, EventPresence, eventWait).Decode(t, &self)
	if self.UserID != observer.id || self.Status != StatusOnline {
		t.Fatalf("Expected own online presence, got %+v", self)
	}

	first := env.connect(t, a)
	second := env.connect(t, a)

	_ = testhelpers.CloseWebSocket(first)
	eventually(t, func() bool { return env.hub.Presence().Connections(a.id) == 1 })
	if !env.hub.Presence().Online(a.id) {
		t.Fatal("Expected alice to stay online with one tab open")
	}

	_ = testhelpers.CloseWebSocket(second)
	eventually(t, func() bool { return !env.hub.Presence().Online(a.id) })

	var statuses []string
	for {
		var p PresencePayload
		testhelpers.WaitForEvent(t, obs, EventPresence, eventWait).Decode(t, &p)
		if p.UserID != a.id {
			continue
		}
		statuses = append(statuses, p.Status)
		if p.Status == StatusOffline {
			break
		}
	}
	if len(statuses) != 2 || statuses[0] != StatusOnline {
		t.Errorf("Expected [online offline], got %v", statuses)
	}
}

// TestTypingIsRelayedToOthersInRoom verifies typing reaches other room members
// but not the sender, and is refused for rooms the sender has not joined.
func TestTypingIsRelayedToOthersInRoom(t *testing.T) {
	env := newTestEnv(t)
	a := env.signUp(t, "alice")
	b := env.signUp(t, "bob")
	outsider := env.signUp(t, "mallory")
	chatID := env.createChat(t, a, chat.CreateChatRequest{MembersIDs: []string{b.id}})

	// Both are joined to the chat room on connect.
	connA := env.connect(t, a)
	connB := env.connect(t, b)
	connO := env.connect(t, outsider)

	if err := testhelpers.SendEvent(connA, EventTyping, TypingPayload{ChatID: chatID, IsTyping: true}); err != nil {
		t.Fatalf("Failed to send typing: %v", err)
	}
	var typing TypingBroadcast
	testhelpers.WaitForEvent(t, connB, EventTyping, eventWait).Decode(t, &typing)
	if typing.ChatID != chatID || typing.UserID != a.id || !typing.IsTyping {
		t.Errorf("Unexpected typing payload: %+v", typing)
	}

	if err := testhelpers.SendEvent(connO, EventTyping, TypingPayload{ChatID: chatID, IsTyping: true}); err != nil {
		t.Fatalf("Failed to send typing: %v", err)
	}
	var exc ExceptionPayload
	testhelpers.WaitForEvent(t, connO, EventException, eventWait).Decode(t, &exc)
	if exc.Status != "error" || exc.Message != "You have not joined this chat" {
		t.Errorf("Unexpected exception: %+v", exc)
	}

	testhelpers.ExpectNoEvent(t, connA, EventTyping, 200*time.Millisecond)
}

// TestNonMemberIsRejected verifies a user outside the chat can neither join
// its room nor post to it.
func TestNonMemberIsRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.signUp(t, "alice")
	b := env.signUp(t, "bob")
	outsider := env.signUp(t, "mallory")
	chatID := env.createChat(t, a, chat.CreateChatRequest{MembersIDs: []string{b.id}})

	conn := env.connect(t, outsider)

	tests := []struct {
		event string
		data  any
		want  string
	}{
		{EventJoinChat, JoinChatPayload{ChatID: chatID}, "You are not a member of this chat"},
		{EventSendMessage, SendMessagePayload{ChatID: chatID, Content: "let me in"}, "You are not a member of this chat"},
		{EventSendMessage, SendMessagePayload{ChatID: "missing", Content: "hello"}, "Chat not found"},
		{EventJoinChat, JoinChatPayload{ChatID: "missing"}, "Chat not found"},
		{EventJoinChat, map[string]string{}, "chatId is required"},
		{"dance", map[string]string{}, "Unknown event: dance"},
	}

	for _, tt := range tests {
		if err := testhelpers.SendEvent(conn, tt.event, tt.data); err != nil {
			t.Fatalf("Failed to send %s: %v", tt.event, err)
		}
		var exc ExceptionPayload
		testhelpers.WaitForEvent(t, conn, EventException, eventWait).Decode(t, &exc)
		if exc.Message != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.event, tt.want, exc.Message)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Failed to write raw frame: %v", err)
	}
	var exc ExceptionPayload
	testhelpers.WaitForEvent(t, conn, EventException, eventWait).Decode(t, &exc)
	if exc.Message != "Invalid message format" {
		t.Errorf("Expected invalid format exception, got %q", exc.Message)
	}

	if ok, _ := chatMember(env, chatID, outsider.id); ok {
		t.Error("Outsider must not have become a member")
	}
}

func chatMember(env *testEnv, chatID, userID string) (bool, error) {
	_, err := env.store.Membership(context.Background(), chatID, userID)
	return err == nil, err
}

// TestChatCreatedWhileConnected verifies members already online are joined to
// a chat's room as soon as it is created.
func TestChatCreatedWhileConnected(t *testing.T) {
	env := newTestEnv(t)
	a := env.signUp(t, "alice")
	b := env.signUp(t, "bob")
	c := env.signUp(t, "carol")

	connA := env.connect(t, a)
	connB := env.connect(t, b)
	connC := env.connect(t, c)

	chatID := env.createChat(t, a, chat.CreateChatRequest{Name: "team", MembersIDs: []string{b.id, c.id}})

	if err := testhelpers.SendEvent(connA, EventSendMessage, SendMessagePayload{ChatID: chatID, Content: "welcome"}); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"bob": connB, "carol": connC, "alice": connA} {
		var m chat.MessageView
		testhelpers.WaitForEvent(t, conn, EventMessage, eventWait).Decode(t, &m)
		if m.Content != "welcome" {
			t.Errorf("%s: expected welcome, got %q", name, m.Content)
		}
	}
}

// TestHandshakeRejections verifies unauthenticated upgrades are refused with a
// typed reason before any event handler runs.
func TestHandshakeRejections(t *testing.T) {
	env := newTestEnv(t)
	u := env.signUp(t, "alice")

	tests := []struct {
		name   string
		query  string
		reason string
	}{
		{"missing token", "", ReasonMissingToken},
		{"invalid token", "?token=garbage", ReasonInvalidToken},
		{"invalid auth payload token", "?auth=" + url.QueryEscape(`{"token":"garbage"}`), ReasonInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testhelpers.ConnectWebSocket(env.wsURL+tt.query, nil)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected handshake to fail")
			}
			if resp == nil {
				t.Fatalf("Expected an HTTP response, got %v", err)
			}
			testhelpers.AssertStatusCode(t, resp, http.StatusUnauthorized)

			var body ErrorBody
			testhelpers.DecodeBody(t, resp, &body)
			if body.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %+v", tt.reason, body)
			}
		})
	}

	if v := testutil.ToFloat64(env.metrics.HandshakeRejections.WithLabelValues(ReasonInvalidToken)); v != 2 {
		t.Errorf("Expected 2 invalid_token rejections, got %v", v)
	}

	t.Run("token in auth payload", func(t *testing.T) {
		q := "?auth=" + url.QueryEscape(`{"token":"`+u.token+`"}`)
		conn, resp, err := testhelpers.ConnectWebSocket(env.wsURL+q, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.Fatalf("Expected handshake to succeed: %v", err)
		}
		_ = testhelpers.CloseWebSocket(conn)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		header := http.Header{}
		header.Set("Origin", "https://evil.example.com")
		conn, resp, err := testhelpers.ConnectWebSocket(env.wsURL+"?token="+u.token, header)
		if err == nil {
			_ = conn.Close()
			t.Fatal("Expected disallowed origin to be refused")
		}
		if resp != nil {
			testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
			_ = resp.Body.Close()
		}
	})
}

// TestHubShutdownClosesClients verifies shutdown closes open connections and
// returns within the timeout.
func TestHubShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t)
	u := env.signUp(t, "alice")
	conn := env.connect(t, u)
	if n := env.hub.ClientCount(); n != 1 {
		t.Fatalf("Expected 1 registered client, got %d", n)
	}

	if err := env.hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(eventWait))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	if env.hub.Register(&Client{}) {
		t.Error("Expected Register to fail after shutdown")
	}
}

// lateChatService runs afterLookup once, right after the first chat id lookup,
// so a chat can appear between the handshake and registration.
type lateChatService struct {
	ChatService
	once        sync.Once
	afterLookup func()
}

func (s *lateChatService) UserChatIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.ChatService.UserChatIDs(ctx, userID)
	s.once.Do(func() {
		if s.afterLookup != nil {
			s.afterLookup()
		}
	})
	return ids, err
}

// TestChatCreatedDuringHandshake verifies a connection still joins a chat
// created after its handshake lookup but before it was registered.
func TestChatCreatedDuringHandshake(t *testing.T) {
	late := &lateChatService{}
	env := newTestEnv(t, func(d *Deps) {
		late.ChatService = d.Chats
		d.Chats = late
	})
	a := env.signUp(t, "alice")
	b := env.signUp(t, "bob")

	var chatID string
	late.afterLookup = func() {
		created, err := env.chats.CreateChat(context.Background(), b.id, chat.CreateChatRequest{MembersIDs: []string{a.id}})
		if err != nil {
			t.Errorf("CreateChat failed: %v", err)
			return
		}
		chatID = created.ID
	}

	connA := env.connect(t, a)
	if chatID == "" {
		t.Fatal("Expected a chat to be created during the handshake")
	}
	eventually(t, func() bool { return len(env.hub.rooms.Members(RoomFor(chatID))) == 1 })
	connB := env.connect(t, b)

	if err := testhelpers.SendEvent(connB, EventSendMessage, SendMessagePayload{ChatID: chatID, Content: "race"}); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
	var m chat.MessageView
	testhelpers.WaitForEvent(t, connA, EventMessage, eventWait).Decode(t, &m)
	if m.ChatID != chatID || m.Content != "race" {
		t.Errorf("Unexpected message: %+v", m)
	}
}
