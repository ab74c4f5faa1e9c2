package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/VenkatGGG/ticketing/internal/config"
	"github.com/VenkatGGG/ticketing/internal/idempotency"
	"github.com/VenkatGGG/ticketing/internal/lock"
	"github.com/VenkatGGG/ticketing/internal/ticket"
)

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// backends holds the store clients shared by the components of one process.
type backends struct {
	redis   *redis.Client
	etcd    *clientv3.Client
	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	if cfg.NeedsRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		b.redis = client
		b.closers = append(b.closers, client.Close)
	}
	if cfg.LockBackend == config.LockBackendEtcd {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.EtcdDialTimeout,
			Username:    cfg.EtcdUsername,
			Password:    cfg.EtcdPassword,
			Logger:      logger.Named("etcd"),
		})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("connect etcd %v: %w", cfg.EtcdEndpoints, err)
		}
		b.etcd = client
		b.closers = append(b.closers, client.Close)
	}
	return b, nil
}

func (b *backends) lockManager(cfg config.Config) lock.Manager {
	var m lock.Manager
	switch cfg.LockBackend {
	case config.LockBackendEtcd:
		m = lock.NewEtcdManager(b.etcd, cfg.LockPrefix)
	case config.LockBackendMemory:
		m = lock.NewInMemoryManager()
	default:
		m = lock.NewRedisManager(b.redis, cfg.LockPrefix)
	}
	return lock.Instrument(m)
}

func (b *backends) ticketRepository(ctx context.Context, cfg config.Config) (ticket.Repository, error) {
	if cfg.TicketStore != config.StorePostgres {
		return ticket.NewInMemoryRepository(), nil
	}
	repo, err := ticket.NewPostgresRepository(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, func() error {
		repo.Close()
		return nil
	})
	return repo, nil
}

func (b *backends) idempotencyStore(cfg config.Config) idempotency.Store {
	if cfg.IdempotencyStore == config.StoreRedis {
		return idempotency.NewRedisStore(b.redis, "")
	}
	return idempotency.NewInMemoryStore()
}
