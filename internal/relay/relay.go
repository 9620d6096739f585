// Package relay carries room broadcasts between gateway instances over Redis
// pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const Channel = "ifschat:rooms"

// Envelope is the message published on Channel.
type Envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// DeliverFunc hands a remote room broadcast to the local hub.
type DeliverFunc func(room string, payload []byte)

// Relay forwards locally originated room broadcasts to other instances and
// delivers theirs back.
type Relay interface {
	Publish(ctx context.Context, room string, payload []byte) error
	Run(ctx context.Context, deliver DeliverFunc) error
	Close() error
}

// Options for connecting to Redis.
type Options struct {
	Addr     string
	Password string
}

// NewClient builds a go-redis client and checks it answers PING.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// PubSub is the subset of *redis.Client the relay uses.
type PubSub interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

type Redis struct {
	client PubSub
	origin string
	log    zerolog.Logger
}

func NewRedis(client PubSub, log zerolog.Logger) *Redis {
	return &Redis{client: client, origin: uuid.NewString(), log: log}
}

// Origin identifies this instance inside envelopes.
func (r *Redis) Origin() string { return r.origin }

func (r *Redis) Publish(ctx context.Context, room string, payload []byte) error {
	data, err := json.Marshal(Envelope{Origin: r.origin, Room: room, Payload: payload})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, Channel, data).Err()
}

// Run subscribes to Channel and blocks until ctx is done.
func (r *Redis) Run(ctx context.Context, deliver DeliverFunc) error {
	sub := r.client.Subscribe(ctx, Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info().Str("origin", r.origin).Str("channel", Channel).Msg("Relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.handle(msg.Payload, deliver)
		}
	}
}

func (r *Redis) handle(raw string, deliver DeliverFunc) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.log.Warn().Err(err).Msg("Dropping malformed relay envelope")
		return
	}
	if env.Origin == r.origin || env.Room == "" {
		return
	}
	deliver(env.Room, env.Payload)
}

func (r *Redis) Close() error { return r.client.Close() }

// Nop is used when no Redis address is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }

func (Nop) Run(ctx context.Context, _ DeliverFunc) error {
	<-ctx.Done()
	return nil
}

func (Nop) Close() error { return nil }
