package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 64

// PubSub fans negotiation events out between server replicas. Like the
// in-process broker, a subscriber that falls behind loses messages rather
// than stalling the Redis connection.
type PubSub struct {
	client *redis.Client
}

func New(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Int("db", db).Msg("redis broker connected")
	return &PubSub{client: client}, nil
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	receivers, err := ps.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %s: %w", channel, err)
	}
	if receivers == 0 {
		log.Debug().Str("channel", channel).Msg("redis.PubSub: no subscribers")
	}
	return nil
}

// Subscribe returns once Redis confirmed the subscription, so a publish
// issued afterwards is guaranteed to be delivered. The message channel is
// closed after cleanup or when ctx is done.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe: %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go forward(ctx, channel, sub.Channel(), out)

	cleanup := func() {
		_ = sub.Close()
	}
	return out, cleanup, nil
}

func forward(ctx context.Context, channel string, in <-chan *redis.Message, out chan<- []byte) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			default:
				log.Warn().Str("channel", channel).Msg("redis.PubSub: subscriber buffer full, message dropped")
			}
		}
	}
}

// NegotiationChannel returns the Redis channel name carrying the server
// events of one negotiation.
func NegotiationChannel(negotiationID uuid.UUID) string {
	return "negotiation:" + negotiationID.String()
}
