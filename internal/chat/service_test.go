package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/apperr"
	"github.com/Tyrowin/ifschat/internal/events"
	"github.com/Tyrowin/ifschat/internal/store"
	"github.com/Tyrowin/ifschat/internal/store/storetest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, key string, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func setup(t *testing.T) (*Service, *store.Store, *recordingPublisher) {
	t.Helper()
	s := storetest.Open(t)
	pub := &recordingPublisher{}
	return NewService(s, pub, zerolog.Nop()), s, pub
}

func TestCreatePrivateChatIsIdempotent(t *testing.T) {
	svc, s, _ := setup(t)
	ctx := context.Background()
	a := storetest.CreateUser(t, s, "a")
	b := storetest.CreateUser(t, s, "b")

	first, err := svc.CreateChat(ctx, a.ID, CreateChatRequest{MembersIDs: []string{b.ID}})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if first.Type != string(store.ChatPrivate) {
		t.Errorf("Expected inferred private chat, got %s", first.Type)
	}

	// The other side asking again, with a redundant self-reference.
	second, err := svc.CreateChat(ctx, b.ID, CreateChatRequest{MembersIDs: []string{a.ID, b.ID}})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if second.ID != first.ID || !second.AlreadyHad {
		t.Errorf("Expected existing chat %s, got %+v", first.ID, second)
	}

	m, err := s.Membership(ctx, first.ID, a.ID)
	if err != nil || m.Role != store.RoleAdmin {
		t.Errorf("Expected creator to be admin, got %+v (%v)", m, err)
	}
	m, err = s.Membership(ctx, first.ID, b.ID)
	if err != nil || m.Role != store.RoleMember {
		t.Errorf("Expected member role, got %+v (%v)", m, err)
	}
}

func TestCreateChatRules(t *testing.T) {
	svc, s, _ := setup(t)
	ctx := context.Background()
	a := storetest.CreateUser(t, s, "a")
	b := storetest.CreateUser(t, s, "b")
	c := storetest.CreateUser(t, s, "c")

	tests := []struct {
		name string
		req  CreateChatRequest
		kind apperr.Kind
	}{
		{"no members", CreateChatRequest{}, apperr.KindValidation},
		{"bad type", CreateChatRequest{Type: "channel", MembersIDs: []string{b.ID}}, apperr.KindValidation},
		{"unknown user", CreateChatRequest{MembersIDs: []string{"ghost"}}, apperr.KindNotFound},
		{"private with three", CreateChatRequest{Type: "private", MembersIDs: []string{b.ID, c.ID}}, apperr.KindValidation},
		{"private with self only", CreateChatRequest{MembersIDs: []string{a.ID}}, apperr.KindValidation},
		{"group without name", CreateChatRequest{MembersIDs: []string{b.ID, c.ID}}, apperr.KindValidation},
		{"group with blank name", CreateChatRequest{Type: "group", Name: "   ", MembersIDs: []string{b.ID}}, apperr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateChat(ctx, a.ID, tt.req)
			if apperr.KindOf(err) != tt.kind {
				t.Errorf("Expected kind %v, got %v", tt.kind, err)
			}
		})
	}

	g, err := svc.CreateChat(ctx, a.ID, CreateChatRequest{Name: "team", MembersIDs: []string{b.ID, c.ID, b.ID}})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if g.Type != string(store.ChatGroup) || len(g.MemberIDs) != 3 {
		t.Errorf("Expected group of three, got %+v", g)
	}
}

func TestMessagesRequireMembership(t *testing.T) {
	svc, s, pub := setup(t)
	ctx := context.Background()
	a := storetest.CreateUser(t, s, "a")
	b := storetest.CreateUser(t, s, "b")
	outsider := storetest.CreateUser(t, s, "outsider")

	created, err := svc.CreateChat(ctx, a.ID, CreateChatRequest{MembersIDs: []string{b.ID}})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	if _, err := svc.CreateMessage(ctx, created.ID, outsider.ID, "hi"); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("Expected forbidden post, got %v", err)
	}
	if _, err := svc.GetMessages(ctx, created.ID, outsider.ID); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("Expected forbidden read, got %v", err)
	}
	if _, err := svc.CreateMessage(ctx, "nope", a.ID, "hi"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := svc.CreateMessage(ctx, created.ID, a.ID, "   "); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Errorf("Expected no events for rejected messages, got %d", len(pub.events))
	}
}

func TestMessageHistoryIsChronological(t *testing.T) {
	svc, s, pub := setup(t)
	ctx := context.Background()
	a := storetest.CreateUser(t, s, "a")
	b := storetest.CreateUser(t, s, "b")

	created, err := svc.CreateChat(ctx, a.ID, CreateChatRequest{MembersIDs: []string{b.ID}})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for i, c := range []string{" one ", "two", "three"} {
		sender := a.ID
		if i%2 == 1 {
			sender = b.ID
		}
		if _, err := svc.CreateMessage(ctx, created.ID, sender, c); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	msgs, err := svc.GetMessages(ctx, created.ID, b.ID)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(msgs) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("Message %d: expected %q got %q", i, want[i], m.Content)
		}
	}
	if msgs[1].Sender.Username != "b" {
		t.Errorf("Expected sender projection, got %+v", msgs[1].Sender)
	}

	m, err := s.Membership(ctx, created.ID, b.ID)
	if err != nil || m.LastReadAt == nil {
		t.Errorf("Expected last read to be recorded, got %+v (%v)", m, err)
	}

	if len(pub.events) != 3 || pub.keys[0] != created.ID || pub.events[0].Type != events.TypeMessageCreated {
		t.Errorf("Unexpected published events: keys=%v", pub.keys)
	}
}

func TestListChats(t *testing.T) {
	svc, s, _ := setup(t)
	ctx := context.Background()
	a := storetest.CreateUser(t, s, "a")
	b := storetest.CreateUser(t, s, "b")
	c := storetest.CreateUser(t, s, "c")

	private, err := svc.CreateChat(ctx, a.ID, CreateChatRequest{MembersIDs: []string{b.ID}})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if _, err := svc.CreateChat(ctx, a.ID, CreateChatRequest{Name: "g", MembersIDs: []string{b.ID, c.ID}}); err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	if _, err := svc.CreateMessage(ctx, private.ID, b.ID, "bump"); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	list, err := svc.ListChats(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListChats failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != private.ID || len(list[0].MemberIDs) != 2 {
		t.Errorf("Expected bumped private chat first, got %+v", list)
	}

	ids, err := svc.UserChatIDs(ctx, c.ID)
	if err != nil || len(ids) != 1 {
		t.Errorf("Expected one chat for c, got %v (%v)", ids, err)
	}
	if ok, _ := svc.IsMember(ctx, private.ID, c.ID); ok {
		t.Error("Expected c not to be a member of the private chat")
	}
}

func TestRequireMember(t *testing.T) {
	svc, s, _ := setup(t)
	ctx := context.Background()
	a := storetest.CreateUser(t, s, "a")
	b := storetest.CreateUser(t, s, "b")
	c := storetest.CreateUser(t, s, "c")

	created, err := svc.CreateChat(ctx, a.ID, CreateChatRequest{MembersIDs: []string{b.ID}})
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	tests := []struct {
		name   string
		chatID string
		userID string
		want   apperr.Kind
	}{
		{"unknown chat", "missing", a.ID, apperr.KindNotFound},
		{"outsider", created.ID, c.ID, apperr.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := apperr.KindOf(svc.RequireMember(ctx, tt.chatID, tt.userID)); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if err := svc.RequireMember(ctx, created.ID, b.ID); err != nil {
		t.Errorf("Expected member to pass, got %v", err)
	}
}
