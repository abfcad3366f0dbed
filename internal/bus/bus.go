package bus

import (
	"context"
	"sync"
)

// MessageBus is the concrete, in-process implementation of EventPublisher
// and MessageRouter: channels publish InboundMessage onto it, the
// orchestrator (C5) consumes them and publishes OutboundMessage back for the
// delivery dispatcher (C8) to pick up, and either side can broadcast an
// Event to subscribed RPC clients (C9).
//
// Buffered channels decouple a slow consumer from a bursty producer without
// blocking the caller; a full buffer blocks PublishInbound/PublishOutbound
// rather than drop messages, since silent drops would violate the at-least-
// once delivery the gateway promises operators.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

// NewMessageBus creates a MessageBus with the given channel buffer depth.
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound enqueues msg for ConsumeInbound. Blocks if the buffer is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) { b.inbound <- msg }

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues msg for SubscribeOutbound. Blocks if the buffer is full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) { b.outbound <- msg }

// SubscribeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers handler to receive every Broadcast event under id,
// replacing any existing subscription for that id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes id's subscription, if any. Idempotent.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast fans event out to every current subscriber synchronously. A
// handler that blocks stalls the broadcaster; RPC client handlers (C9) are
// expected to buffer internally and never do blocking I/O here.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subs {
		h(event)
	}
}

var (
	_ EventPublisher = (*MessageBus)(nil)
	_ MessageRouter  = (*MessageBus)(nil)
)
