// Package config loads the orders API configuration from layered sources:
// an optional YAML file, a dotenv file, the process environment and explicit
// overrides, in increasing precedence. Values of the form secret://... or
// sm://... are resolved through a SecretResolver.
package config

import "time"

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultStorageBackend       = StorageBackendFirestore
	defaultPostgresMaxConns     = 10
	defaultPostgresMinConns     = 0
	defaultPostgresConnLifetime = time.Hour
	defaultPostgresConnIdle     = 30 * time.Minute
	defaultTxTimeout            = 5 * time.Second
	defaultTxMaxAttempts        = 3
	defaultBackoffInitial       = 50 * time.Millisecond
	defaultBackoffMax           = time.Second
	defaultBackoffMultiplier    = 2.0
	defaultNotifyBackend        = NotificationBackendLog
	defaultNotifyWorkers        = 4
	defaultNotifyQueueSize      = 256
	defaultNotifyMaxAttempts    = 5
	defaultNotifyTimeout        = 10 * time.Second
	defaultNotifyTopic          = "order-events"
	defaultAMQPExchange         = "orders"
	defaultAMQPRoutingKey       = "order.events"
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSecurityIAPIssuer    = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultIdempotencyStore     = IdempotencyStoreMemory
)

// Storage backends.
const (
	StorageBackendFirestore = "firestore"
	StorageBackendPostgres  = "postgres"
	StorageBackendMemory    = "memory"
)

// Notification backends.
const (
	NotificationBackendLog    = "log"
	NotificationBackendPubSub = "pubsub"
	NotificationBackendKafka  = "kafka"
	NotificationBackendAMQP   = "amqp"
)

// Idempotency stores.
const (
	IdempotencyStoreMemory    = "memory"
	IdempotencyStoreFirestore = "firestore"
	IdempotencyStoreRedis     = "redis"
)

// Config is the resolved runtime configuration of the orders API.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Storage       StorageConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Workflow      WorkflowConfig
	Notifications NotificationConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
}

// ServerConfig holds the listener port and http.Server timeouts.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig names the project whose ID tokens customers and staff present.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig points the Firestore client at a project or a local emulator.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig selects the persistence backend for products, orders and counters.
type StorageConfig struct {
	Backend string
}

// PostgresConfig configures the pgx connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AutoMigrate     bool
}

// RedisConfig configures the client shared by idempotency records and webhook nonces.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// WorkflowConfig tunes transactions, retries and the notification dispatcher.
type WorkflowConfig struct {
	TxTimeout               time.Duration
	MaxAttempts             int
	BackoffInitial          time.Duration
	BackoffMax              time.Duration
	BackoffMultiplier       float64
	NotificationWorkers     int
	NotificationQueueSize   int
	NotificationMaxAttempts int
	NotificationTimeout     time.Duration
}

// NotificationConfig selects and configures the order event transport.
type NotificationConfig struct {
	Backend string
	PubSub  PubSubConfig
	Kafka   KafkaConfig
	AMQP    AMQPConfig
}

// PubSubConfig names the topic order events are published to.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
}

// KafkaConfig lists brokers and the order event topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// AMQPConfig configures the RabbitMQ exchange order events are published to.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// SecurityConfig covers the carrier webhook and internal service callers.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig selects which Google-signed tokens /internal accepts. Audiences maps environment to audience.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig holds per-caller webhook secrets, keyed by lower-case caller name.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig tunes replay protection for order creation and cancellation.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	Store            string
}

