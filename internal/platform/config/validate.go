package config

import (
	"slices"
	"strings"
)

// fieldCheck collects failing field names once each, in the order they were checked.
type fieldCheck struct {
	failed []string
}

func (c *fieldCheck) require(ok bool, field string) {
	if !ok && !slices.Contains(c.failed, field) {
		c.failed = append(c.failed, field)
	}
}

func (c *fieldCheck) oneOf(value, field string, allowed ...string) bool {
	ok := slices.Contains(allowed, value)
	c.require(ok, field)
	return ok
}

func (c *fieldCheck) err() error {
	if len(c.failed) == 0 {
		return nil
	}
	return &ValidationError{fields: c.failed}
}

func validateConfig(cfg Config) error {
	var c fieldCheck

	c.require(cfg.Server.Port != "", "Server.Port")
	c.require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")

	if c.oneOf(cfg.Storage.Backend, "Storage.Backend", StorageBackendFirestore, StorageBackendPostgres, StorageBackendMemory) {
		switch cfg.Storage.Backend {
		case StorageBackendFirestore:
			c.require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
		case StorageBackendPostgres:
			pg := cfg.Postgres
			c.require(strings.TrimSpace(pg.DSN) != "", "Postgres.DSN")
			c.require(pg.MaxConns > 0, "Postgres.MaxConns")
			c.require(pg.MinConns >= 0 && pg.MinConns <= pg.MaxConns, "Postgres.MinConns")
		}
	}

	wf := cfg.Workflow
	c.require(wf.TxTimeout > 0, "Workflow.TxTimeout")
	c.require(wf.MaxAttempts > 0, "Workflow.MaxAttempts")
	c.require(wf.BackoffInitial > 0, "Workflow.BackoffInitial")
	c.require(wf.BackoffMax >= wf.BackoffInitial, "Workflow.BackoffMax")
	c.require(wf.BackoffMultiplier >= 1, "Workflow.BackoffMultiplier")
	c.require(wf.NotificationWorkers > 0, "Workflow.NotificationWorkers")
	c.require(wf.NotificationQueueSize > 0, "Workflow.NotificationQueueSize")
	c.require(wf.NotificationMaxAttempts > 0, "Workflow.NotificationMaxAttempts")

	n := cfg.Notifications
	if c.oneOf(n.Backend, "Notifications.Backend", NotificationBackendLog, NotificationBackendPubSub, NotificationBackendKafka, NotificationBackendAMQP) {
		switch n.Backend {
		case NotificationBackendPubSub:
			c.require(n.PubSub.ProjectID != "", "Notifications.PubSub.ProjectID")
			c.require(n.PubSub.TopicID != "", "Notifications.PubSub.TopicID")
		case NotificationBackendKafka:
			c.require(len(n.Kafka.Brokers) > 0, "Notifications.Kafka.Brokers")
			c.require(n.Kafka.Topic != "", "Notifications.Kafka.Topic")
		case NotificationBackendAMQP:
			c.require(n.AMQP.URL != "", "Notifications.AMQP.URL")
			c.require(n.AMQP.Exchange != "", "Notifications.AMQP.Exchange")
		}
	}

	idem := cfg.Idempotency
	c.require(strings.TrimSpace(idem.Header) != "", "Idempotency.Header")
	c.require(idem.TTL > 0, "Idempotency.TTL")
	c.require(idem.CleanupInterval > 0, "Idempotency.CleanupInterval")
	c.require(idem.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	if c.oneOf(idem.Store, "Idempotency.Store", IdempotencyStoreMemory, IdempotencyStoreFirestore, IdempotencyStoreRedis) {
		switch idem.Store {
		case IdempotencyStoreFirestore:
			c.require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
		case IdempotencyStoreRedis:
			c.require(cfg.Redis.Addr != "", "Redis.Addr")
		}
	}

	return c.err()
}
