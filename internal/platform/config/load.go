package config

import (
	"context"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	configFile            string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile reads dotenv overrides from path. An empty path disables the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithConfigFile loads a YAML file keyed by environment variable names beneath every other layer.
// Without it, API_CONFIG_FILE names the file.
func WithConfigFile(path string) Option {
	return func(o *loaderOptions) { o.configFile = path }
}

// WithEnvMap sets explicit values that win over every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets fails Load unless each named value resolves to something non-blank.
// Names look like "Postgres.DSN" or "Security.HMAC.Secrets[fulfillment]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets turns a MissingSecretsError into a panic.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// layers returns every source, lowest precedence first.
func (o loaderOptions) layers() ([]map[string]string, error) {
	yamlValues, dotEnvValues, err := o.sources()
	if err != nil {
		return nil, err
	}
	var system map[string]string
	if o.useSystemEnv {
		system = systemEnv()
	}
	return []map[string]string{yamlValues, dotEnvValues, system, o.envMap}, nil
}

// EnvironmentValues flattens the same layers Load reads. main uses it to build the
// secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	layers, err := newLoaderOptions(opts).layers()
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for _, layer := range layers {
		maps.Copy(values, layer)
	}
	return values, nil
}

// Load reads, resolves and validates the configuration.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	layers, err := options.layers()
	if err != nil {
		return Config{}, err
	}
	env := envReader{layers: layers}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			Backend: env.lower("API_STORAGE_BACKEND", defaultStorageBackend),
		},
		Postgres: PostgresConfig{
			DSN:             env.str("API_POSTGRES_DSN", ""),
			MaxConns:        int32(env.integer("API_POSTGRES_MAX_CONNS", defaultPostgresMaxConns)),
			MinConns:        int32(env.integer("API_POSTGRES_MIN_CONNS", defaultPostgresMinConns)),
			MaxConnLifetime: env.duration("API_POSTGRES_MAX_CONN_LIFETIME", defaultPostgresConnLifetime),
			MaxConnIdleTime: env.duration("API_POSTGRES_MAX_CONN_IDLE_TIME", defaultPostgresConnIdle),
			AutoMigrate:     env.boolean("API_POSTGRES_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     env.str("API_REDIS_ADDR", ""),
			Password: env.str("API_REDIS_PASSWORD", ""),
			DB:       env.integer("API_REDIS_DB", 0),
		},
		Workflow: WorkflowConfig{
			TxTimeout:               env.duration("API_WORKFLOW_TX_TIMEOUT", defaultTxTimeout),
			MaxAttempts:             env.integer("API_WORKFLOW_MAX_ATTEMPTS", defaultTxMaxAttempts),
			BackoffInitial:          env.duration("API_WORKFLOW_BACKOFF_INITIAL", defaultBackoffInitial),
			BackoffMax:              env.duration("API_WORKFLOW_BACKOFF_MAX", defaultBackoffMax),
			BackoffMultiplier:       env.float("API_WORKFLOW_BACKOFF_MULTIPLIER", defaultBackoffMultiplier),
			NotificationWorkers:     env.integer("API_WORKFLOW_NOTIFY_WORKERS", defaultNotifyWorkers),
			NotificationQueueSize:   env.integer("API_WORKFLOW_NOTIFY_QUEUE_SIZE", defaultNotifyQueueSize),
			NotificationMaxAttempts: env.integer("API_WORKFLOW_NOTIFY_MAX_ATTEMPTS", defaultNotifyMaxAttempts),
			NotificationTimeout:     env.duration("API_WORKFLOW_NOTIFY_TIMEOUT", defaultNotifyTimeout),
		},
		Notifications: NotificationConfig{
			Backend: env.lower("API_NOTIFY_BACKEND", defaultNotifyBackend),
			PubSub: PubSubConfig{
				ProjectID: env.str("API_NOTIFY_PUBSUB_PROJECT_ID", ""),
				TopicID:   env.str("API_NOTIFY_PUBSUB_TOPIC", defaultNotifyTopic),
			},
			Kafka: KafkaConfig{
				Brokers: env.list("API_NOTIFY_KAFKA_BROKERS"),
				Topic:   env.str("API_NOTIFY_KAFKA_TOPIC", defaultNotifyTopic),
			},
			AMQP: AMQPConfig{
				URL:        env.str("API_NOTIFY_AMQP_URL", ""),
				Exchange:   env.str("API_NOTIFY_AMQP_EXCHANGE", defaultAMQPExchange),
				RoutingKey: env.str("API_NOTIFY_AMQP_ROUTING_KEY", defaultAMQPRoutingKey),
			},
		},
		Security: SecurityConfig{
			Environment: env.lower("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
			Store:            env.lower("API_IDEMPOTENCY_STORE", defaultIdempotencyStore),
		},
	}
	applyDerivedDefaults(&cfg)

	resolved, err := resolveSecrets(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := missingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// applyDerivedDefaults fills values that default to other values.
func applyDerivedDefaults(cfg *Config) {
	// Firestore and Pub/Sub live in the Firebase project unless told otherwise.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Notifications.PubSub.ProjectID == "" {
		cfg.Notifications.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	oidc := &cfg.Security.OIDC
	if len(oidc.Issuers) == 0 {
		oidc.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if oidc.Audience == "" {
		oidc.Audience = oidc.Audiences[cfg.Security.Environment]
	}
}

// envReader looks keys up across layers, highest precedence last. Blank values count as unset
// and unparsable values fall back to the default.
type envReader struct {
	layers []map[string]string
}

func (e envReader) raw(key string) string {
	for i := len(e.layers) - 1; i >= 0; i-- {
		if value, ok := e.layers[i][key]; ok {
			return value
		}
	}
	return ""
}

func (e envReader) str(key, fallback string) string {
	if value := e.raw(key); value != "" {
		return value
	}
	return fallback
}

func (e envReader) lower(key, fallback string) string {
	return strings.ToLower(strings.TrimSpace(e.str(key, fallback)))
}

func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(e.raw(key))); err == nil {
		return d
	}
	return fallback
}

func (e envReader) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(e.raw(key))); err == nil {
		return n
	}
	return fallback
}

func (e envReader) float(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(e.raw(key)), 64); err == nil {
		return f
	}
	return fallback
}

func (e envReader) boolean(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(e.raw(key))) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// list splits a comma separated value, dropping blanks.
func (e envReader) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(e.raw(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value". Names are lower-cased; incomplete pairs are skipped.
func (e envReader) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
