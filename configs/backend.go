package configs

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/db"
	"github.com/Kimchiigu/PHiscord/internal/store"
	"github.com/Kimchiigu/PHiscord/internal/store/memstore"
	"github.com/Kimchiigu/PHiscord/internal/store/mongostore"
	"github.com/Kimchiigu/PHiscord/internal/store/natsfeed"
	"github.com/Kimchiigu/PHiscord/internal/store/redisstore"
	"github.com/Kimchiigu/PHiscord/internal/store/sqlitestore"
)

// Backend is the document store selected by the config, plus the sqlite
// database that always holds accounts.
type Backend struct {
	Store store.Store
	DB    *sql.DB

	closers []func() error
}

// Close closes the store and every connection it was built on, newest first.
func (b *Backend) Close() error {
	var err error
	for _, c := range slices.Backward(b.closers) {
		err = multierr.Append(err, c())
	}
	b.closers = nil
	return err
}

// OpenBackend should be run after viper has read the config file.
func OpenBackend(ctx context.Context, log *zap.Logger) (*Backend, error) {
	b := &Backend{}
	fail := func(err error) (*Backend, error) {
		return nil, multierr.Append(err, b.Close())
	}

	conn, err := db.Open(viper.GetString("store.sqlite-path"))
	if err != nil {
		return nil, err
	}
	b.DB = conn
	b.closers = append(b.closers, conn.Close)

	var feed store.Feed
	switch fb := viper.GetString("feed.backend"); fb {
	case "", "local":
	case "nats":
		f, err := natsfeed.Connect(natsfeed.Config{
			URL:     viper.GetString("feed.nats-url"),
			Name:    "phiscord",
			Subject: "phiscord.changes",
		}, log)
		if err != nil {
			return fail(err)
		}
		feed = f
		b.closers = append(b.closers, f.Close)
	default:
		return fail(fmt.Errorf("unknown feed backend %q", fb))
	}

	var s store.Store
	var transient func(error) bool
	switch sb := viper.GetString("store.backend"); sb {
	case "memory":
		opts := []memstore.Option{memstore.WithLogger(log)}
		if feed != nil {
			opts = append(opts, memstore.WithFeed(feed))
		}
		s = memstore.New(opts...)
	case "", "sqlite":
		opts := []sqlitestore.Option{sqlitestore.WithLogger(log)}
		if feed != nil {
			opts = append(opts, sqlitestore.WithFeed(feed))
		}
		s = sqlitestore.New(conn, opts...)
		transient = sqlitestore.Transient
	case "redis":
		rdb, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     viper.GetString("store.redis.addr"),
			Password: viper.GetString("store.redis.password"),
			DB:       viper.GetInt("store.redis.db"),
		})
		if err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, rdb.Close)
		opts := []redisstore.Option{redisstore.WithLogger(log)}
		if feed != nil {
			opts = append(opts, redisstore.WithFeed(feed))
		}
		rs, err := redisstore.New(ctx, rdb, opts...)
		if err != nil {
			return fail(err)
		}
		s = rs
		transient = redisstore.Transient
	case "mongo":
		client, err := mongostore.Connect(ctx, viper.GetString("store.mongo.uri"))
		if err != nil {
			return fail(err)
		}
		b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
		opts := []mongostore.Option{mongostore.WithLogger(log)}
		if feed != nil {
			opts = append(opts, mongostore.WithFeed(feed))
		}
		ms, err := mongostore.New(ctx, client, viper.GetString("store.mongo.database"), opts...)
		if err != nil {
			return fail(err)
		}
		s = ms
		transient = mongostore.Transient
	default:
		return fail(fmt.Errorf("unknown store backend %q", sb))
	}
	b.closers = append(b.closers, s.Close)

	b.Store = store.WithRetry(s, viper.GetDuration("store.retry-max-elapsed"),
		store.RetryIf(transient))
	log.Debug("store opened",
		zap.String("store", viper.GetString("store.backend")),
		zap.String("feed", viper.GetString("feed.backend")))
	return b, nil
}
