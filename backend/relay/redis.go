package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultRedisAddr = "localhost:6379"
	defaultKeyPrefix = "roommesh:relay:"
)

type (
	RedisConfig struct {
		Logger *zerolog.Logger
		// Client is created from Addr when nil.
		Client    redis.UniversalClient
		Addr      string
		KeyPrefix string
	}

	// Redis relays frames over Redis Pub/Sub, one channel per namespace.
	Redis struct {
		client redis.UniversalClient
		prefix string
		origin string
		logger zerolog.Logger
	}
)

func NewRedis(cfg RedisConfig) *Redis {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = defaultRedisAddr
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	origin := uuid.NewString()
	return &Redis{
		client: client,
		prefix: prefix,
		origin: origin,
		logger: logger.With().Str("component", "relay").Str("origin", origin).Logger(),
	}
}

// Origin identifies this process on the relay.
func (r *Redis) Origin() string { return r.origin }

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, frame Frame) error {
	frame.Origin = r.origin
	b, err := json.Marshal(&frame)
	if err != nil {
		return err
	}
	if err = r.client.Publish(ctx, r.channel(frame.Namespace), b).Err(); err != nil {
		return fmt.Errorf("failed to publish frame to %s: %w", r.channel(frame.Namespace), err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer func() {
		_ = ps.Close()
	}()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	r.logger.Debug().Str("pattern", r.prefix+"*").Msg("relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				r.logger.Error().Err(err).Str("channel", msg.Channel).Msg("failed to unmarshall relayed frame")
				continue
			}
			if frame.Origin == r.origin {
				continue
			}
			h(frame)
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) channel(namespace string) string {
	return r.prefix + namespace
}
