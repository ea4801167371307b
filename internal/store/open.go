package store

import (
	"context"
	"fmt"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/store/memstore"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

// Backend is a complete persistence layer.
type Backend interface {
	webhook.SubscriptionStore
	webhook.DeliveryStore
	Ping(ctx context.Context) error
}

// Open returns the backend selected by cfg.DB.Driver. On success the
// returned close function is never nil.
func Open(ctx context.Context, cfg config.Config, log *logging.Logger) (Backend, func(), error) {
	switch cfg.DB.Driver {
	case "memory":
		log.Plain().Warn("using in-memory store; data is lost on restart")
		return memstore.New(), func() {}, nil
	case "", "postgres":
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.DB.Driver)
	}

	pool, err := db.ConnectWithRetry(ctx, cfg.DSN(), cfg.DB.ConnectRetries, cfg.DB.ConnectDelay)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DB.AutoMigrate {
		if err := db.Migrate(cfg.DSN()); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	log.Plain().WithFields(map[string]any{"host": cfg.DB.Host, "db": cfg.DB.Name}).Info("connected to postgres")
	return New(pool), pool.Close, nil
}
