package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/auth"
	"github.com/Tyrowin/ifschat/internal/chat"
	"github.com/Tyrowin/ifschat/internal/config"
	"github.com/Tyrowin/ifschat/internal/events"
	"github.com/Tyrowin/ifschat/internal/logging"
	"github.com/Tyrowin/ifschat/internal/metrics"
	"github.com/Tyrowin/ifschat/internal/relay"
	"github.com/Tyrowin/ifschat/internal/server"
	"github.com/Tyrowin/ifschat/internal/store"
	"github.com/Tyrowin/ifschat/internal/telemetry"
	"github.com/Tyrowin/ifschat/internal/users"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UsesDevSecret() {
		log.Warn().Msg("JWT_SECRET not set; using the development secret")
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, cfg.OTelServiceName)
	if err != nil {
		return err
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(c)
	}()

	st, err := store.Open(ctx, store.Options{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		Attempts: 5,
		Backoff:  500 * time.Millisecond,
		Logger:   logging.Component(log, "store"),
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.AutoMigrate {
		if err := st.Migrate(); err != nil {
			return err
		}
	}

	publisher := newPublisher(cfg, log)
	defer publisher.Close()

	rel, err := newRelay(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rel.Close()

	m := metrics.New()
	hubLog := logging.Component(log, "hub")
	hub := server.NewHub(server.HubOptions{Relay: rel, Metrics: m, Logger: &hubLog})
	go hub.Run()
	log.Info().Msg("Hub started and ready to manage WebSocket connections")

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	router := server.SetupRoutes(server.Deps{
		Config:  cfg,
		Auth:    auth.NewService(st, tokens, logging.Component(log, "auth")),
		Tokens:  tokens,
		Users:   users.NewDirectory(st),
		Chats:   chat.NewService(st, publisher, logging.Component(log, "chat")),
		Hub:     hub,
		Metrics: m,
		Logger:  logging.Component(log, "http"),
	})

	var handler http.Handler = router
	if cfg.OTelEndpoint != "" {
		handler = telemetry.Wrap(router, "http.server")
	}
	httpServer := server.CreateServer(cfg.Port, handler)

	errCh := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout, log); err != nil {
		log.Error().Err(err).Msg("HTTP server did not shut down cleanly")
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("Hub did not shut down cleanly")
	}
	return nil
}

func newPublisher(cfg *config.Config, log zerolog.Logger) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Nop{}
	}
	w := events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Publishing events to Kafka")
	return events.NewKafkaPublisher(w, logging.Component(log, "events"))
}

func newRelay(ctx context.Context, cfg *config.Config, log zerolog.Logger) (relay.Relay, error) {
	if cfg.RedisAddr == "" {
		return relay.Nop{}, nil
	}
	client, err := relay.NewClient(ctx, relay.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		return nil, err
	}
	return relay.NewRedis(client, logging.Component(log, "relay")), nil
}
