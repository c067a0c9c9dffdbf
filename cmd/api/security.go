package main

import (
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storefront/orders-api/internal/platform/auth"
	"github.com/storefront/orders-api/internal/platform/config"
)

const (
	fulfillmentSecretName = "fulfillment"
	webhookNoncePrefix    = "orders:webhook-nonce:"
)

// buildOIDCMiddleware guards the internal routes. It returns nil when no JWKS endpoint is set.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		return nil
	}
	audience := strings.TrimSpace(oidc.Audience)
	if audience == "" || len(oidc.Issuers) == 0 {
		logger.Warn("oidc audience or issuers missing; internal requests will be rejected",
			zap.Bool("audience_set", audience != ""),
			zap.Int("issuers", len(oidc.Issuers)),
		)
	}
	validator := auth.NewOIDCValidator(
		auth.NewJWKSCache(oidc.JWKSURL, auth.WithJWKSLogger(logger)),
		auth.WithOIDCLogger(logger),
		auth.WithOIDCMetrics(metrics),
	)
	return validator.RequireOIDC(audience, oidc.Issuers)
}

// buildHMACMiddleware guards fulfillment webhooks. Nonces go to redis when it is configured
// so a replay is caught by any instance.
func buildHMACMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder, redisClient *redis.Client) func(http.Handler) http.Handler {
	hmac := cfg.Security.HMAC
	keys := make(auth.StaticSecrets, len(hmac.Secrets))
	for name, value := range hmac.Secrets {
		if strings.TrimSpace(value) != "" {
			keys[strings.ToLower(strings.TrimSpace(name))] = value
		}
	}
	if _, ok := keys[fulfillmentSecretName]; !ok {
		logger.Warn("fulfillment webhook secret not configured; webhook routes disabled")
		return nil
	}

	var nonces auth.NonceStore
	if redisClient != nil {
		nonces = auth.NewRedisNonceStore(redisClient, webhookNoncePrefix)
	} else {
		nonces = auth.NewInMemoryNonceStore()
	}
	validator := auth.NewHMACValidator(keys, nonces,
		auth.WithHMACLogger(logger),
		auth.WithHMACMetrics(metrics),
		auth.WithHMACHeaders(hmac.SignatureHeader, hmac.TimestampHeader, hmac.NonceHeader),
		auth.WithHMACClockSkew(hmac.ClockSkew),
		auth.WithHMACNonceTTL(hmac.NonceTTL),
	)
	return validator.RequireHMAC(fulfillmentSecretName)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
