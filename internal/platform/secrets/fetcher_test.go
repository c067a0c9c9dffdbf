package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const dsnResource = "projects/test/secrets/orders-postgres-dsn/versions/latest"

func writeFallback(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	client.values[dsnResource] = "postgres://orders@db/orders\n"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for range 2 {
		got, err := fetcher.ResolveSecret(ctx, "secret://orders-postgres-dsn")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if got != "postgres://orders@db/orders" {
			t.Fatalf("unexpected value %q", got)
		}
	}
	if calls := client.callCount(dsnResource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}
}

func TestResolveRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[dsnResource] = "v1"

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithCacheTTL(time.Minute),
		withClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://orders-postgres-dsn"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	client.values[dsnResource] = "v2"
	now = now.Add(2 * time.Minute)

	got, err := fetcher.Resolve(ctx, "secret://orders-postgres-dsn")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "v2" {
		t.Fatalf("expected rotated value v2, got %s", got)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	pinned := "projects/other/secrets/fulfillment-hmac/versions/5"
	client.values[pinned] = "version-5"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "sm://fulfillment-hmac?version=5&project=other")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "version-5" {
		t.Fatalf("expected version-5, got %s", got)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "# local dev\nsecret://orders-postgres-dsn=postgres://localhost/orders\n")

	client := newFakeSecretClient()
	client.errors[dsnResource] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://orders-postgres-dsn")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "postgres://localhost/orders" {
		t.Fatalf("expected fallback value, got %s", got)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "secret://orders-postgres-dsn=local\n")

	client := newFakeSecretClient()
	client.errors[dsnResource] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://orders-postgres-dsn"); err == nil {
		t.Fatal("expected error when secret is missing")
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()

	originalFactory := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() {
		secretManagerClientFactory = originalFactory
	})

	path := writeFallback(t, "fulfillment-hmac=local-secret\n")
	fetcher, err := NewFetcher(ctx, WithProject("test"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://fulfillment-hmac")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "local-secret" {
		t.Fatalf("expected local secret, got %s", value)
	}
}

func TestPingTreatsMissingHealthSecretAsReachable(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if err := fetcher.Ping(ctx); err != nil {
		t.Fatalf("expected NotFound to count as reachable, got %v", err)
	}

	client.errors["projects/test/secrets/system-healthz/versions/latest"] = status.Error(codes.Unavailable, "down")
	if err := fetcher.Ping(ctx); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestPingWithoutProject(t *testing.T) {
	fetcher, err := NewFetcher(context.Background(), WithSecretManagerClient(newFakeSecretClient()))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if err := fetcher.Ping(context.Background()); err == nil {
		t.Fatal("expected error without a project")
	}
}

func TestResolveMatchesBareNameInFallback(t *testing.T) {
	path := writeFallback(t, "orders-redis=cache-pass\n")
	fetcher, err := NewFetcher(context.Background(), WithSecretManagerClient(newFakeSecretClient()), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.Resolve(context.Background(), "secret://orders-redis?version=latest")
	if err != nil || got != "cache-pass" {
		t.Fatalf("expected cache-pass, got %q (%v)", got, err)
	}
}

func TestParseReferenceRejectsOtherSchemes(t *testing.T) {
	for _, ref := range []string{"", "https://example.com/x", "secret://"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++

	if err, ok := f.errors[name]; ok && err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error {
	return nil
}

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
