package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const DefaultRelayChannel = "boardsync:rooms"

// RoomMessage is one frame addressed to every member of a room, except
// the connections of ExcludeUser. When ToUser is set only that user's
// connections in the room receive it.
type RoomMessage struct {
	Room        string          `json:"room"`
	ExcludeUser string          `json:"excludeUser,omitempty"`
	ToUser      string          `json:"toUser,omitempty"`
	Payload     json.RawMessage `json:"payload"`

	// Origin is the publishing hub. Joiner marks the user:joined of a
	// fresh member so hubs holding other members can introduce them.
	Origin string `json:"origin,omitempty"`
	Joiner string `json:"joiner,omitempty"`
}

// Relay carries room messages between hub instances.
type Relay interface {
	Publish(ctx context.Context, msg RoomMessage) error
	Subscribe(ctx context.Context, deliver func(RoomMessage)) error
}

// RedisRelay fans room messages out through a Redis pub/sub channel so
// that clients of one board connected to different instances see each
// other's changes.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     logrus.FieldLogger
}

func NewRedisRelay(client *redis.Client, channel string, logger logrus.FieldLogger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisRelay{client: client, channel: channel, log: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, msg RoomMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal room message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish room message: %w", err)
	}
	return nil
}

// Subscribe delivers every message published on the channel until ctx is
// cancelled.
func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(RoomMessage)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for confirmation so publishes after this call are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.log.WithField("channel", r.channel).Info("room relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg RoomMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.WithError(err).Warn("dropping undecodable room message")
				continue
			}
			deliver(msg)
		}
	}
}
