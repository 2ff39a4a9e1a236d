// Package natsfeed relays store change notifications between processes over a
// NATS subject. It lets several processes share one sqlite file (or any backend
// without a change stream) and still refresh each other's subscribers.
package natsfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultSubject = "phiscord.changes"

// Config configures the connection.
type Config struct {
	URL           string
	Name          string
	Subject       string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Feed struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	log     *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func([]store.Path)
}

// Connect dials NATS and subscribes to the change subject.
func Connect(cfg Config, log *zap.Logger) (*Feed, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to nats: %w", err)
	}
	f := &Feed{nc: nc, subject: cfg.Subject, log: log, subs: make(map[uint64]func([]store.Path))}
	f.sub, err = nc.Subscribe(cfg.Subject, f.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("error subscribing to %s: %w", cfg.Subject, err)
	}
	// make sure the server has registered the subscription before anyone publishes
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("error flushing nats: %w", err)
	}
	return f, nil
}

func (f *Feed) handle(msg *nats.Msg) {
	var paths []store.Path
	if err := json.Unmarshal(msg.Data, &paths); err != nil {
		f.log.Warn("error decoding change", zap.Error(err))
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, fn := range f.subs {
		fn(paths)
	}
}

func (f *Feed) Publish(_ context.Context, paths []store.Path) error {
	data, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	return f.nc.Publish(f.subject, data)
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

// Close drains the subscription and the connection.
func (f *Feed) Close() error {
	if err := f.sub.Drain(); err != nil {
		f.log.Warn("error draining subscription", zap.Error(err))
	}
	return f.nc.Drain()
}
