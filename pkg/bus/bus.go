// Package bus implements the in-process Agent Bus: a lightweight pub/sub
// keyed by recipient name, plus the Revision Handler that normalizes
// revision-instruction payloads arriving on it.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/resume-agent/pipeline/pkg/state"
)

// DefaultBufferSize bounds how many undelivered messages queue per
// recipient before Publish blocks.
const DefaultBufferSize = 256

// Bus is an in-process publish/subscribe channel keyed by recipient name.
// Delivery is asynchronous: Publish enqueues onto the recipient's buffered
// channel and returns without waiting for the subscriber to handle the
// message, blocking only while that buffer is full. A single buffered
// channel per recipient preserves send
// order for any one sender calling Publish sequentially, satisfying the
// per-(from,to) ordering requirement without extra bookkeeping.
type Bus struct {
	mu    sync.Mutex
	subs  map[string]chan state.AgentMessage
	bufSz int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[string]chan state.AgentMessage),
		bufSz: DefaultBufferSize,
	}
}

func (b *Bus) channel(recipient string) chan state.AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[recipient]
	if !ok {
		ch = make(chan state.AgentMessage, b.bufSz)
		b.subs[recipient] = ch
	}
	return ch
}

// Subscribe returns the receive-only channel of messages addressed to
// recipient, creating it if this is the first subscription.
func (b *Bus) Subscribe(recipient string) <-chan state.AgentMessage {
	return b.channel(recipient)
}

// Publish enqueues msg on its recipient's channel. Publish blocks if the
// recipient's queue is full and ctx allows cancellation while waiting.
func (b *Bus) Publish(ctx context.Context, msg state.AgentMessage) error {
	if msg.To == "" {
		return fmt.Errorf("bus: message has no recipient")
	}
	ch := b.channel(msg.To)
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases a recipient's channel. Callers must stop publishing to
// recipient before calling Close.
func (b *Bus) Close(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[recipient]; ok {
		close(ch)
		delete(b.subs, recipient)
	}
}
