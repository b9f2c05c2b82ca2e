package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reflex-pvp/internal/models"
)

// RedisPublisher publishes events as JSON on matchmaking:<kind>
type RedisPublisher struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewRedisPublisher(client redis.UniversalClient, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger.Named("events.redis")}
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, ChannelPrefix+event.Kind, body).Err(); err != nil {
		p.logger.Warn("failed to publish event", zap.String("kind", event.Kind), zap.Error(err))
	}
}

// RedisRelay forwards events published by any instance to a local Broadcaster
type RedisRelay struct {
	client redis.UniversalClient
	target *Broadcaster
	logger *zap.Logger
}

func NewRedisRelay(client redis.UniversalClient, target *Broadcaster, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, target: target, logger: logger.Named("events.relay")}
}

// Run blocks until ctx is done
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if event.Kind == "" {
				event.Kind = strings.TrimPrefix(msg.Channel, ChannelPrefix)
			}
			r.target.Publish(ctx, event)
		}
	}
}
