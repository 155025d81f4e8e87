package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alG-N/ShoukakuBot-sub001/shardkit/log"
	"github.com/redis/go-redis/v9"
)

// ErrChannelNameRequired indicates an empty pub/sub channel name.
var ErrChannelNameRequired = errors.New("pubsub channel name is required")

// channelBuffer sizes the delivery channel handed to subscribers and the
// go-redis receive channel. Messages beyond the buffer are dropped rather
// than queued, so a stalled consumer never wedges the receive goroutine.
const channelBuffer = 256

// PubSubChannel is one named pub/sub channel. It satisfies the bridge
// Transport contract: Publish, Subscribe, Close.
type PubSubChannel struct {
	client *Client
	name   string
	logger log.Logger

	mu  sync.Mutex
	sub *redis.PubSub
}

// Channel returns a handle for the named pub/sub channel.
func (c *Client) Channel(name string) (*PubSubChannel, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if name == "" {
		return nil, ErrChannelNameRequired
	}

	return &PubSubChannel{client: c, name: name, logger: c.logger}, nil
}

// Publish sends one message to every subscriber of the channel.
func (ch *PubSubChannel) Publish(ctx context.Context, data []byte) error {
	client, err := ch.client.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := client.Publish(ctx, ch.name, data).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", ch.name, err)
	}

	return nil
}

// Subscribe starts consuming the channel and returns the delivery stream.
// The returned channel closes when the subscription is closed. Subscribe
// waits for the subscription confirmation so a Publish issued immediately
// afterwards is not lost.
func (ch *PubSubChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	client, err := ch.client.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.sub != nil {
		return nil, fmt.Errorf("redis subscribe %q: already subscribed", ch.name)
	}

	sub := client.Subscribe(ctx, ch.name)

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()

		return nil, fmt.Errorf("redis subscribe %q: %w", ch.name, err)
	}

	ch.sub = sub

	out := make(chan []byte, channelBuffer)
	messages := sub.Channel(redis.WithChannelSize(channelBuffer))

	go func() {
		defer close(out)

		for msg := range messages {
			// A non-blocking send keeps this goroutine draining even when the
			// consumer has stopped reading, so Close always ends the stream.
			select {
			case out <- []byte(msg.Payload):
			default:
				ch.logger.Log(context.Background(), log.LevelWarn, "pubsub consumer backlog full, dropping message",
					log.String("channel", ch.name))
			}
		}
	}()

	return out, nil
}

// Close tears down the subscription, closing the delivery stream.
func (ch *PubSubChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.sub == nil {
		return nil
	}

	err := ch.sub.Close()
	ch.sub = nil

	return err
}
