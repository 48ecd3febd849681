package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/resume-agent/pipeline/pkg/state"
)

// RedisBus is the distributed Agent Bus variant, used when the "Redis bus"
// feature flag is enabled so multiple pipeline-server processes can share
// agent traffic for the same session. It uses go-redis's native
// Publish/Subscribe rather than the sorted-set pattern pkg/ratelimit uses,
// since bus fan-out has no sliding-window semantics to enforce.
type RedisBus struct {
	client    *redis.Client
	namespace string
}

// NewRedisBus wraps an existing redis client. namespace prefixes channel
// names so multiple deployments can share one Redis instance.
func NewRedisBus(client *redis.Client, namespace string) *RedisBus {
	if namespace == "" {
		namespace = "pipeline:bus"
	}
	return &RedisBus{client: client, namespace: namespace}
}

func (b *RedisBus) channelName(recipient string) string {
	return fmt.Sprintf("%s:%s", b.namespace, recipient)
}

// Publish marshals msg to JSON and publishes it to the recipient's channel.
func (b *RedisBus) Publish(ctx context.Context, msg state.AgentMessage) error {
	if msg.To == "" {
		return fmt.Errorf("redisbus: message has no recipient")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisbus: marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channelName(msg.To), payload).Err(); err != nil {
		return fmt.Errorf("redisbus: publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of messages addressed to recipient. The
// returned channel is closed when ctx is cancelled or the subscription is
// torn down; malformed payloads are logged and dropped rather than
// surfaced, matching a best-effort transport.
func (b *RedisBus) Subscribe(ctx context.Context, recipient string) <-chan state.AgentMessage {
	out := make(chan state.AgentMessage, DefaultBufferSize)
	pubsub := b.client.Subscribe(ctx, b.channelName(recipient))

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case rmsg, ok := <-ch:
				if !ok {
					return
				}
				var msg state.AgentMessage
				if err := json.Unmarshal([]byte(rmsg.Payload), &msg); err != nil {
					slog.Warn("redisbus: dropping malformed message", "recipient", recipient, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Close releases the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
