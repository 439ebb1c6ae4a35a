package eventbus

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/hcengine/integration-engine/internal/logging"
)

// RedisBus is the preferred non-local backend (spec §4.6): one
// connection publishes, one subscribes via Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	log    *logging.Logger

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	handlers map[int]Handler
	nextID   int
	mu       sync.Mutex
}

// NewRedis creates a Redis-backed event bus.
func NewRedis(client *redis.Client, log *logging.Logger) *RedisBus {
	if log == nil {
		log = logging.NewDefault("eventbus-redis")
	}
	return &RedisBus{client: client, log: log, subs: make(map[string]*redisSubscription)}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, redisChannelName(channel), payload).Err()
}

func (b *RedisBus) Subscribe(channel string, handler Handler) func() {
	b.mu.Lock()
	sub, ok := b.subs[channel]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		ps := b.client.Subscribe(ctx, redisChannelName(channel))
		sub = &redisSubscription{pubsub: ps, cancel: cancel, handlers: make(map[int]Handler)}
		b.subs[channel] = sub
		go b.deliverLoop(ctx, channel, sub)
	}
	sub.mu.Lock()
	id := sub.nextID
	sub.nextID++
	sub.handlers[id] = handler
	sub.mu.Unlock()
	b.mu.Unlock()

	return func() {
		sub.mu.Lock()
		delete(sub.handlers, id)
		empty := len(sub.handlers) == 0
		sub.mu.Unlock()
		if empty {
			b.mu.Lock()
			delete(b.subs, channel)
			b.mu.Unlock()
			sub.cancel()
			sub.pubsub.Close()
		}
	}
}

func (b *RedisBus) deliverLoop(ctx context.Context, channel string, sub *redisSubscription) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sub.mu.Lock()
			handlers := make([]Handler, 0, len(sub.handlers))
			for _, h := range sub.handlers {
				handlers = append(handlers, h)
			}
			sub.mu.Unlock()
			for _, h := range handlers {
				h(channel, []byte(msg.Payload))
			}
		}
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.cancel()
		sub.pubsub.Close()
	}
	return b.client.Close()
}

func redisChannelName(channel string) string { return "engine:events:" + channel }

var _ Bus = (*RedisBus)(nil)
