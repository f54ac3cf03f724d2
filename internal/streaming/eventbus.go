package streaming

import (
	"context"
	"sync"

	"mispbridge/pkg/logger"
)

// Handler processes one domain event. Handlers run on their own goroutine
// with the publisher's context.
type Handler func(ctx context.Context, evt Event)

// Bus distributes domain events to subscribed handlers and mirrors them to
// NATS when a publisher is attached.
type Bus struct {
	nats   *NATSPublisher
	logger *logger.Logger

	mu       sync.RWMutex
	handlers map[EventKind][]Handler
}

// NewBus creates a new event bus. The NATS publisher may be nil.
func NewBus(nats *NATSPublisher, log *logger.Logger) *Bus {
	return &Bus{
		nats:     nats,
		logger:   log.WithComponent("event-bus"),
		handlers: make(map[EventKind][]Handler),
	}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.logger.Debug().Str("kind", string(kind)).Msg("handler subscribed")
}

// Publish delivers an event to all handlers subscribed to its kind.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if b.nats != nil && b.nats.IsConnected() {
		if err := b.nats.PublishEvent(ctx, evt); err != nil {
			b.logger.Warn().Err(err).Msg("failed to publish to NATS, delivering locally only")
		}
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Kind]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(ctx, evt)
	}

	return nil
}

// Close shuts down the NATS mirror if one is attached.
func (b *Bus) Close() {
	if b.nats != nil {
		b.nats.Close()
	}
}
