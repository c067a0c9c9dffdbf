package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// OIDCValidator authenticates internal callers (schedulers, fulfillment workers)
// presenting Google-signed OIDC or IAP tokens.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// NewOIDCValidator constructs an OIDCValidator backed by cache.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{
		cache:  cache,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// ServiceIdentity is the verified service principal behind an internal call.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

// ActorID names the principal for audit fields, preferring the service account email.
func (s *ServiceIdentity) ActorID() string {
	if s == nil {
		return ""
	}
	if s.Email != "" {
		return s.Email
	}
	return s.Subject
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches identity to ctx.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// RequireOIDC rejects requests without a valid RS256 token for audience. When
// issuers is non-empty the token issuer must be one of them.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowedIssuers := make([]string, 0, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers = append(allowedIssuers, issuer)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			identity, rej := v.verify(ctx, r, audience, allowedIssuers)
			if rej != nil {
				v.record(ctx, false, rej.reason, start)
				rej.write(ctx, w)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) verify(ctx context.Context, r *http.Request, audience string, issuers []string) (*ServiceIdentity, *rejection) {
	if audience == "" {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "oidc audience not configured", "audience_not_configured")
	}
	tokenStr := extractOIDCToken(r)
	if tokenStr == "" {
		return nil, reject(http.StatusUnauthorized, "unauthenticated", "oidc token missing", "token_missing")
	}
	if v.cache == nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "oidc verification unavailable", "cache_unavailable")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			v.logger.Warn("oidc jwks unavailable", zap.Error(err))
			return nil, reject(http.StatusServiceUnavailable, "invalid_token", "oidc token verification failed", "jwks_unavailable")
		}
		v.logger.Info("oidc token rejected", zap.Error(err))
		return nil, reject(http.StatusUnauthorized, "invalid_token", "oidc token verification failed", "token_invalid")
	}

	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 && !slices.Contains(issuers, issuer) {
		v.logger.Info("oidc issuer mismatch", zap.String("issuer", issuer))
		return nil, reject(http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch", "issuer_mismatch")
	}
	if !slices.Contains(audienceFromClaims(claims), audience) {
		v.logger.Info("oidc audience mismatch", zap.String("expected", audience))
		return nil, reject(http.StatusUnauthorized, "invalid_token", "oidc audience mismatch", "audience_mismatch")
	}

	email, _ := claims["email"].(string)
	subject, _ := claims["sub"].(string)
	return &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer, Audience: audience}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}

func extractOIDCToken(r *http.Request) string {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}

func audienceFromClaims(claims jwt.MapClaims) []string {
	switch v := claims["aud"].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
