package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront/orders-api/internal/platform/config"
	"github.com/storefront/orders-api/internal/platform/secrets"
	"github.com/storefront/orders-api/internal/services"
)

// Bootstrap settings read before configuration is loaded. They cannot themselves be secret references.
const (
	envBuildVersion     = "API_BUILD_VERSION"
	envBuildCommit      = "API_BUILD_COMMIT_SHA"
	envSecretsProject   = "API_SECRETS_PROJECT_ID"
	envSecretsFallback  = "API_SECRETS_FALLBACK_FILE"
	envSecretsCacheTTL  = "API_SECRETS_CACHE_TTL"
	envFirebaseProject  = "API_FIREBASE_PROJECT_ID"
	envFirebaseCredFile = "API_FIREBASE_CREDENTIALS_FILE"
	envStorageBackend   = "API_STORAGE_BACKEND"
	envNotifyBackend    = "API_NOTIFY_BACKEND"
	envHMACSecrets      = "API_SECURITY_HMAC_SECRETS"
)

type bootstrapEnv map[string]string

func (e bootstrapEnv) get(key string) string {
	return strings.TrimSpace(e[key])
}

func (e bootstrapEnv) or(key, fallback string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return fallback
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	e := bootstrapEnv(env)
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     e.or(envBuildVersion, "dev"),
		CommitSHA:   e.or(envBuildCommit, "unknown"),
		Environment: environment,
		StartedAt:   started,
	}
}

// secretsProject is the Secret Manager project; it defaults to the Firebase project.
func secretsProject(env map[string]string) string {
	e := bootstrapEnv(env)
	return e.or(envSecretsProject, e.get(envFirebaseProject))
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	e := bootstrapEnv(env)
	opts := []secrets.Option{secrets.WithLogger(logger)}
	if project := secretsProject(env); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if path := e.get(envSecretsFallback); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if raw := e.get(envSecretsCacheTTL); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envSecretsCacheTTL, err)
		}
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if path := e.get(envFirebaseCredFile); path != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(path)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secret-backed settings the selected backends cannot start without.
func requiredSecretNames(env map[string]string) []string {
	e := bootstrapEnv(env)
	var required []string
	if strings.EqualFold(e.get(envStorageBackend), config.StorageBackendPostgres) {
		required = append(required, "Postgres.DSN")
	}
	if strings.EqualFold(e.get(envNotifyBackend), config.NotificationBackendAMQP) {
		required = append(required, "Notifications.AMQP.URL")
	}

	var hmacKeys []string
	for key := range parseKeyValueList(e.get(envHMACSecrets)) {
		hmacKeys = append(hmacKeys, strings.ToLower(key))
	}
	slices.Sort(hmacKeys)
	for _, key := range slices.Compact(hmacKeys) {
		required = append(required, "Security.HMAC.Secrets["+key+"]")
	}
	return required
}

// parseKeyValueList reads "a=1,b=2". Entries missing a key or value are dropped.
func parseKeyValueList(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, _ := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}
