package mongostore

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

// ChangeFeed turns a collection change stream into store change notifications.
// Publish is a no-op: the database announces every commit itself.
type ChangeFeed struct {
	stream *mongo.ChangeStream
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func([]store.Path)
}

// NewChangeFeed opens the stream before returning, so no commit made after it
// returns is missed.
func NewChangeFeed(ctx context.Context, coll *mongo.Collection, log *zap.Logger) (*ChangeFeed, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}}}}},
	}
	stream, err := coll.Watch(ctx, pipeline, options.ChangeStream())
	if err != nil {
		return nil, fmt.Errorf("error opening change stream: %w", err)
	}
	sctx, cancel := context.WithCancel(context.Background())
	f := &ChangeFeed{
		stream: stream,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[uint64]func([]store.Path)),
	}
	go f.loop(sctx)
	return f, nil
}

func (f *ChangeFeed) loop(ctx context.Context) {
	defer close(f.done)
	defer f.stream.Close(context.Background())
	for f.stream.Next(ctx) {
		var ev struct {
			DocumentKey struct {
				ID string `bson:"_id"`
			} `bson:"documentKey"`
		}
		if err := f.stream.Decode(&ev); err != nil {
			f.log.Warn("error decoding change event", zap.Error(err))
			continue
		}
		paths := []store.Path{store.Path(ev.DocumentKey.ID)}
		f.mu.RLock()
		for _, fn := range f.subs {
			fn(paths)
		}
		f.mu.RUnlock()
	}
	if err := f.stream.Err(); err != nil && ctx.Err() == nil {
		f.log.Error("change stream ended", zap.Error(err))
	}
}

func (f *ChangeFeed) Publish(context.Context, []store.Path) error { return nil }

func (f *ChangeFeed) Subscribe(fn func([]store.Path)) (store.Disposer, error) {
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

func (f *ChangeFeed) Close() error {
	f.cancel()
	<-f.done
	return nil
}
