package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/auth"
	"github.com/Tyrowin/ifschat/internal/chat"
	"github.com/Tyrowin/ifschat/internal/config"
	"github.com/Tyrowin/ifschat/internal/metrics"
	"github.com/Tyrowin/ifschat/internal/store"
	"github.com/Tyrowin/ifschat/internal/store/storetest"
	"github.com/Tyrowin/ifschat/internal/testhelpers"
	"github.com/Tyrowin/ifschat/internal/users"
)

const eventWait = 3 * time.Second

type testEnv struct {
	server  *httptest.Server
	wsURL   string
	hub     *Hub
	store   *store.Store
	chats   *chat.Service
	tokens  *auth.Tokens
	metrics *metrics.Metrics
}

type testUser struct {
	id       string
	username string
	token    string
}

// newTestEnv starts a hub and an HTTP server over a fresh store. Each opt may
// replace collaborators before the router is built.
func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()

	s := storetest.Open(t)
	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.RateLimit.Burst = 100

	log := zerolog.Nop()
	tokens := auth.NewTokens(cfg.JWTSecret, time.Hour)
	m := metrics.New()
	hub := NewHub(HubOptions{Metrics: m, Logger: &log})
	go hub.Run()

	chats := chat.NewService(s, nil, log)
	deps := Deps{
		Config:  cfg,
		Auth:    auth.NewService(s, tokens, log),
		Tokens:  tokens,
		Users:   users.NewDirectory(s),
		Chats:   chats,
		Hub:     hub,
		Metrics: m,
		Logger:  log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	router := SetupRoutes(deps)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		srv.Close()
	})

	return &testEnv{
		server:  srv,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat",
		hub:     hub,
		store:   s,
		chats:   chats,
		tokens:  tokens,
		metrics: m,
	}
}

func (e *testEnv) url(path string) string { return e.server.URL + path }

// signUp registers username through the REST API.
func (e *testEnv) signUp(t *testing.T, username string) testUser {
	t.Helper()

	resp := testhelpers.MakeRequest(t, http.MethodPost, e.url("/auth/signup"), "",
		auth.Credentials{Username: username, Password: "pw-" + username})
	testhelpers.AssertStatusCode(t, resp, http.StatusCreated)

	var body auth.TokenResponse
	testhelpers.DecodeBody(t, resp, &body)

	claims, err := e.tokens.Verify(body.AccessToken)
	if err != nil {
		t.Fatalf("Sign up returned an unusable token: %v", err)
	}
	return testUser{id: claims.UserID(), username: username, token: body.AccessToken}
}

// createChat creates a chat through the REST API and returns its id.
func (e *testEnv) createChat(t *testing.T, creator testUser, req chat.CreateChatRequest) string {
	t.Helper()

	resp := testhelpers.MakeRequest(t, http.MethodPost, e.url("/chat/create"), creator.token, req)
	testhelpers.AssertStatusCode(t, resp, http.StatusCreated)

	var body struct {
		ID string `json:"id"`
	}
	testhelpers.DecodeBody(t, resp, &body)
	if body.ID == "" {
		t.Fatal("Expected chat id in response")
	}
	return body.ID
}

// connect opens an authenticated gateway connection and waits until the hub
// has registered it.
func (e *testEnv) connect(t *testing.T, u testUser) *websocket.Conn {
	t.Helper()

	before := e.hub.Presence().Connections(u.id)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.token)
	conn, resp, err := testhelpers.ConnectWebSocket(e.wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect %s: %v", u.username, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	eventually(t, func() bool { return e.hub.Presence().Connections(u.id) == before+1 })
	return conn
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(eventWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
