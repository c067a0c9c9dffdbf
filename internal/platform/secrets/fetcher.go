// Package secrets resolves secret:// references in configuration, such as the
// Postgres DSN or webhook signing keys, through Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL = 10 * time.Minute
	meterName       = "github.com/storefront/orders-api/internal/platform/secrets"

	// healthSecret is probed by Ping; it does not need to exist.
	healthSecret = "system-healthz"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references against Secret Manager and caches values for a TTL so
// rotations are picked up without a restart. Concurrent lookups of one secret share a
// single remote call. If Secret Manager is unreachable the fallback file is used.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	project    string
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
	fallback   *fallbackFile

	mu     sync.Mutex
	cache  map[string]cachedSecret
	flight singleflight.Group

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

type fetcherConfig struct {
	logger       *zap.Logger
	project      string
	fallbackPath string
	ttl          time.Duration
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	now          func() time.Time
}

type Option func(*fetcherConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithProject sets the project for references without ?project=.
func WithProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile overrides the local fallback file. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

func withClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.now = now }
}

// NewFetcher never fails for lack of credentials; without a client every lookup
// goes to the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{fallbackPath: defaultFallbackPath, ttl: defaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		project:  cfg.project,
		ttl:      cfg.ttl,
		now:      cfg.now,
		logger:   cfg.logger.Named("secrets"),
		fallback: &fallbackFile{path: cfg.fallbackPath},
		cache:    make(map[string]cachedSecret),
	}
	f.initMetrics(cfg.meter)

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	sm, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
	if err != nil {
		f.logger.Warn("secret manager client unavailable; using fallback file only", zap.Error(err))
		return f, nil
	}
	f.client, f.ownsClient = sm, true
	return f, nil
}

func (f *Fetcher) initMetrics(meter metric.Meter) {
	var err error
	f.latency, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution by source"),
	)
	if err != nil {
		f.logger.Warn("latency metric unavailable", zap.Error(err))
	}
	f.cacheHits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret lookups served from cache"),
	)
	if err != nil {
		f.logger.Warn("cache hit metric unavailable", zap.Error(err))
	}
}

// Close releases the Secret Manager client if the fetcher created it.
func (f *Fetcher) Close() error {
	if !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind secret://name[?version=N&project=P].
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	if value, ok := f.cached(ref.cacheKey()); ok {
		if f.cacheHits != nil {
			f.cacheHits.Add(ctx, 1)
		}
		f.observe(ctx, start, "cache")
		return value, nil
	}

	v, err, _ := f.flight.Do(ref.cacheKey(), func() (any, error) {
		value, source, err := f.load(ctx, ref)
		if err != nil {
			return "", err
		}
		f.store(ref.cacheKey(), value)
		f.observe(ctx, start, source)
		return value, nil
	})
	if err != nil {
		f.observe(ctx, start, "error")
		return "", err
	}
	return v.(string), nil
}

// load asks Secret Manager first and the fallback file when the remote is unreachable.
func (f *Fetcher) load(ctx context.Context, ref reference) (string, string, error) {
	if resource, ok := ref.resource(f.project); ok && f.client != nil {
		value, err := f.access(ctx, resource)
		if err == nil {
			return value, "remote", nil
		}
		if !unreachable(err) {
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.name, err)
		}
		f.logger.Debug("secret manager unreachable, trying fallback", zap.String("secret", ref.name), zap.Error(err))
	}

	value, ok, err := f.fallback.lookup(ref)
	if err != nil {
		f.logger.Warn("fallback file unreadable", zap.Error(err))
	}
	if !ok {
		return "", "", fmt.Errorf("secrets: %s not found in fallback file", ref.name)
	}
	return value, "fallback", nil
}

func (f *Fetcher) access(ctx context.Context, resource string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", resource)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

// Ping checks that Secret Manager answers. A NotFound answer still proves reachability.
func (f *Fetcher) Ping(ctx context.Context) error {
	if f.client == nil {
		return errors.New("secrets: secret manager client unavailable")
	}
	resource, ok := reference{name: healthSecret, version: latestVersion}.resource(f.project)
	if !ok {
		return errors.New("secrets: project not configured")
	}
	if _, err := f.access(ctx, resource); err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok || !f.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[key] = cachedSecret{value: value, expiresAt: f.now().Add(f.ttl)}
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if f.latency != nil {
		ms := float64(time.Since(start)) / float64(time.Millisecond)
		f.latency.Record(ctx, ms, metric.WithAttributes(attribute.String("source", source)))
	}
}

// unreachable reports errors that mean Secret Manager could not answer, as opposed to
// answering that the secret does not exist.
func unreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
