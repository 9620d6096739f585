package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/config"
	"github.com/Tyrowin/ifschat/internal/metrics"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Config  *config.Config
	Auth    AuthService
	Tokens  TokenVerifier
	Users   UserDirectory
	Chats   ChatService
	Hub     *Hub
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// SetupRoutes builds the REST and WebSocket router.
func SetupRoutes(d Deps) http.Handler {
	if d.Metrics == nil {
		d.Metrics = d.Hub.metrics
	}
	gateway := NewGateway(d.Hub, d.Chats, d.Tokens, d.Config, d.Metrics, d.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   gateway.origins.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", HealthHandler)
	r.Handle("/metrics", d.Metrics.Handler())

	ah := &authHandler{auth: d.Auth, log: d.Logger}
	uh := &userHandler{users: d.Users, log: d.Logger}
	ch := &chatHandler{chats: d.Chats, hub: d.Hub, log: d.Logger}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signin", ah.signIn)
		r.Post("/signup", ah.signUp)
		r.With(requireAuth(d.Tokens, d.Logger)).Get("/signout", ah.signOut)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(d.Tokens, d.Logger))

		r.Get("/user/get_data", uh.getData)
		r.Get("/user/get_users_list", uh.listUsers)

		r.Post("/chat/create", ch.create)
		r.Get("/chat/list", ch.list)
		r.Get("/chat/{chatId}/messages", ch.messages)
	})

	// WebSocket gateway; authenticates its own handshake.
	r.Get("/chat", gateway.ServeHTTP)

	return r
}
