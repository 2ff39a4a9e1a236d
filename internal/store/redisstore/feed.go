package redisstore

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Feed relays change notifications over a redis pub/sub channel.
type Feed struct {
	rdb     *redis.Client
	channel string
	pubsub  *redis.PubSub
	log     *zap.Logger
	done    chan struct{}

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func([]store.Path)
}

// NewFeed subscribes to channel and returns once the subscription is confirmed.
func NewFeed(ctx context.Context, rdb *redis.Client, channel string, log *zap.Logger) (*Feed, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("error subscribing to %s: %w", channel, err)
	}
	f := &Feed{
		rdb:     rdb,
		channel: channel,
		pubsub:  ps,
		log:     log,
		done:    make(chan struct{}),
		subs:    make(map[uint64]func([]store.Path)),
	}
	go f.loop()
	return f, nil
}

func (f *Feed) loop() {
	defer close(f.done)
	for msg := range f.pubsub.Channel() {
		var paths []store.Path
		if err := json.Unmarshal([]byte(msg.Payload), &paths); err != nil {
			f.log.Warn("error decoding change", zap.String("payload", msg.Payload), zap.Error(err))
			continue
		}
		f.mu.RLock()
		for _, fn := range f.subs {
			fn(paths)
		}
		f.mu.RUnlock()
	}
}

func (f *Feed) Publish(ctx context.Context, paths []store.Path) error {
	payload, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, f.channel, payload).Err()
}

func (f *Feed) Subscribe(fn func([]store.Path)) (store.Disposer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *Feed) Close() error {
	err := f.pubsub.Close()
	<-f.done
	return err
}
