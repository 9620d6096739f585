// Command seed fills a development database with fake users, a group chat
// and a few messages.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/ifschat/internal/auth"
	"github.com/Tyrowin/ifschat/internal/chat"
	"github.com/Tyrowin/ifschat/internal/config"
	"github.com/Tyrowin/ifschat/internal/events"
	"github.com/Tyrowin/ifschat/internal/logging"
	"github.com/Tyrowin/ifschat/internal/store"
)

func main() {
	_ = godotenv.Load()

	count := flag.Int("users", 5, "number of fake users to create")
	messages := flag.Int("messages", 10, "number of messages to post in the group chat")
	password := flag.String("password", "password", "password for every seeded user")
	flag.Parse()

	cfg := config.FromEnv()
	log := logging.New(os.Stderr, cfg.LogLevel, "console")
	ctx := context.Background()

	st, err := store.Open(ctx, store.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	authSvc := auth.NewService(st, tokens, log)
	chatSvc := chat.NewService(st, events.Nop{}, log)

	gofakeit.Seed(time.Now().UnixNano())

	var ids []string
	for len(ids) < *count {
		username := gofakeit.Username()
		resp, err := authSvc.SignUp(ctx, auth.Credentials{Username: username, Password: *password})
		if err != nil {
			log.Warn().Err(err).Str("username", username).Msg("Skipping user")
			continue
		}
		claims, err := tokens.Verify(resp.AccessToken)
		if err != nil {
			log.Fatal().Err(err).Msg("Seeded token does not verify")
		}
		ids = append(ids, claims.UserID())
		log.Info().Str("username", username).Msg("Seeded user")
	}

	if len(ids) < 2 {
		return
	}

	created, err := chatSvc.CreateChat(ctx, ids[0], chat.CreateChatRequest{
		Type:        "group",
		Name:        gofakeit.AppName(),
		Description: gofakeit.Sentence(8),
		MembersIDs:  ids[1:],
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create group chat")
	}

	for i := 0; i < *messages; i++ {
		sender := ids[gofakeit.Number(0, len(ids)-1)]
		if _, err := chatSvc.CreateMessage(ctx, created.ID, sender, gofakeit.Sentence(gofakeit.Number(3, 12))); err != nil {
			log.Fatal().Err(err).Msg("Failed to post message")
		}
	}

	log.Info().Str("chat_id", created.ID).Int("users", len(ids)).Int("messages", *messages).Msg("Seed complete")
}
