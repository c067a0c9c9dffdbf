package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront/orders-api/internal/platform/config"
	pfirestore "github.com/storefront/orders-api/internal/platform/firestore"
	"github.com/storefront/orders-api/internal/platform/idempotency"
	"github.com/storefront/orders-api/internal/platform/jobs"
	"github.com/storefront/orders-api/internal/repositories"
	firestoreRepo "github.com/storefront/orders-api/internal/repositories/firestore"
	"github.com/storefront/orders-api/internal/repositories/memory"
	"github.com/storefront/orders-api/internal/repositories/postgres"
	"github.com/storefront/orders-api/internal/services"
)

// backends lazily opens the clients shared between storage, idempotency and event delivery.
type backends struct {
	cfg    config.Config
	logger *zap.Logger

	firestore   *pfirestore.Provider
	redisClient *redis.Client
}

func newBackends(cfg config.Config, logger *zap.Logger) *backends {
	return &backends{cfg: cfg, logger: logger}
}

func (b *backends) firestoreProvider() *pfirestore.Provider {
	if b.firestore == nil {
		var opts []pfirestore.ProviderOption
		if path := strings.TrimSpace(b.cfg.Firebase.CredentialsFile); path != "" {
			opts = append(opts, pfirestore.WithClientOptions(option.WithCredentialsFile(path)))
		}
		b.firestore = pfirestore.NewProvider(b.cfg.Firestore, opts...)
	}
	return b.firestore
}

func (b *backends) redisConn() *redis.Client {
	if b.redisClient == nil && strings.TrimSpace(b.cfg.Redis.Addr) != "" {
		b.redisClient = redis.NewClient(&redis.Options{
			Addr:     b.cfg.Redis.Addr,
			Password: b.cfg.Redis.Password,
			DB:       b.cfg.Redis.DB,
		})
	}
	return b.redisClient
}

func (b *backends) registry(ctx context.Context) (repositories.Registry, error) {
	switch b.cfg.Storage.Backend {
	case config.StorageBackendFirestore:
		provider := b.firestoreProvider()
		if _, err := provider.Client(ctx); err != nil {
			return nil, err
		}
		return firestoreRepo.NewRegistry(provider)
	case config.StorageBackendPostgres:
		return postgres.Open(ctx, b.cfg.Postgres)
	case config.StorageBackendMemory:
		b.logger.Warn("storage: using in-memory backend; data is lost on restart")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", b.cfg.Storage.Backend)
	}
}

func (b *backends) idempotencyStore(ctx context.Context) (idempotency.Store, error) {
	switch b.cfg.Idempotency.Store {
	case config.IdempotencyStoreMemory, "":
		return idempotency.NewMemoryStore(), nil
	case config.IdempotencyStoreFirestore:
		client, err := b.firestoreProvider().Client(ctx)
		if err != nil {
			return nil, err
		}
		return idempotency.NewFirestoreStore(client), nil
	case config.IdempotencyStoreRedis:
		client := b.redisConn()
		if client == nil {
			return nil, errors.New("redis address is required for the redis idempotency store")
		}
		return idempotency.NewRedisStore(client, "orders:idempotency:"), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency store %q", b.cfg.Idempotency.Store)
	}
}

// publisher returns the broker-backed order event publisher and its release function.
func (b *backends) publisher(ctx context.Context) (services.OrderEventPublisher, func(context.Context) error, error) {
	notify := b.cfg.Notifications
	logger := b.logger.Named("events")
	switch notify.Backend {
	case config.NotificationBackendLog, "":
		return jobs.NewLogOrderEventPublisher(logger), nil, nil
	case config.NotificationBackendPubSub:
		projectID := strings.TrimSpace(notify.PubSub.ProjectID)
		if projectID == "" {
			projectID = traceProjectID(b.cfg)
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := jobs.NewPubSubOrderEventPublisher(client.Topic(notify.PubSub.TopicID))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return pub, func(context.Context) error {
			pub.Stop()
			return client.Close()
		}, nil
	case config.NotificationBackendKafka:
		pub, err := jobs.NewKafkaOrderEventPublisher(notify.Kafka.Brokers, notify.Kafka.Topic, logger)
		if err != nil {
			return nil, nil, err
		}
		return pub, func(context.Context) error { return pub.Close() }, nil
	case config.NotificationBackendAMQP:
		pub, err := jobs.DialAMQPOrderEventPublisher(notify.AMQP.URL, notify.AMQP.Exchange, notify.AMQP.RoutingKey)
		if err != nil {
			return nil, nil, err
		}
		return pub, func(context.Context) error { return pub.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notification backend %q", notify.Backend)
	}
}

// close releases shared clients. The firestore provider tolerates a second Close from the registry.
func (b *backends) close(ctx context.Context) error {
	var errs []error
	if b.redisClient != nil {
		if err := b.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if b.firestore != nil {
		if err := b.firestore.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close firestore: %w", err))
		}
	}
	return errors.Join(errs...)
}
