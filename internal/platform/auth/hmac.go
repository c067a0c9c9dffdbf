package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew   = 5 * time.Minute
	defaultNonceTTL    = 5 * time.Minute
	maxSignedBodyBytes = 1 << 20
)

// SecretProvider looks up the shared secret of a webhook caller by name.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type SecretProviderFunc func(context.Context, string) (string, error)

func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecrets serves secrets resolved at startup, keyed by caller name.
type StaticSecrets map[string]string

func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if secret := s[name]; secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("auth: secret %q not configured", name)
}

// SignWebhook computes the HMAC-SHA256 a caller sends for a request. The signed message is
//
//	METHOD \n escaped-path \n timestamp \n nonce \n hex(sha256(body))
func SignWebhook(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	_, _ = io.WriteString(mac, strings.ToUpper(method)+"\n"+path+"\n"+timestamp+"\n"+nonce+"\n"+hex.EncodeToString(digest[:]))
	return mac.Sum(nil)
}

// signatureHeaders names the three headers a signed request carries.
type signatureHeaders struct {
	signature string
	timestamp string
	nonce     string
}

// HMACValidator authenticates carrier and fulfillment webhooks. Each nonce is accepted once
// per secret for the nonce TTL, and timestamps must fall within the clock skew.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore
	headers  signatureHeaders

	clockSkew time.Duration
	nonceTTL  time.Duration

	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time

	cache sync.Map // secret name -> []byte
}

type HMACOption func(*HMACValidator)

func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider: provider,
		nonces:   nonces,
		headers: signatureHeaders{
			signature: defaultSignatureHeader,
			timestamp: defaultTimestampHeader,
			nonce:     defaultNonceHeader,
		},
		clockSkew: defaultClockSkew,
		nonceTTL:  defaultNonceTTL,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders renames the signature headers. Empty names keep the default.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		for _, h := range []struct {
			dst *string
			val string
		}{{&v.headers.signature, signature}, {&v.headers.timestamp, timestamp}, {&v.headers.nonce, nonce}} {
			if h.val != "" {
				*h.dst = h.val
			}
		}
	}
}

func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata identifies the verified caller of a webhook.
type HMACMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type hmacContextKey struct{}

func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	return meta, ok && meta != nil
}

// RequireHMAC only lets through requests signed with the named secret. The body is
// buffered for verification and handed to next unchanged.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			meta, rej := v.verify(ctx, r, secretName)
			if rej != nil {
				v.record(ctx, false, rej.reason, start)
				rej.write(ctx, w)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

// signedParts are the raw header values of one request.
type signedParts struct {
	signature string
	rawTime   string
	at        time.Time
	nonce     string
}

func (v *HMACValidator) verify(ctx context.Context, r *http.Request, secretName string) (*HMACMetadata, *rejection) {
	secret, rej := v.secretFor(ctx, secretName)
	if rej != nil {
		return nil, rej
	}
	parts, rej := v.parseHeaders(r)
	if rej != nil {
		return nil, rej
	}

	body, err := bufferBody(r)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable")
	}
	got, err := decodeSignature(parts.signature)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid")
	}
	want := SignWebhook(secret, r.Method, r.URL.EscapedPath(), parts.rawTime, parts.nonce, body)
	if !hmac.Equal(got, want) {
		return nil, reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch")
	}

	// only a correctly signed request may burn a nonce
	if rej := v.useNonce(ctx, secretName, parts); rej != nil {
		return nil, rej
	}
	return &HMACMetadata{SecretName: secretName, Timestamp: parts.at, Nonce: parts.nonce}, nil
}

func (v *HMACValidator) secretFor(ctx context.Context, name string) ([]byte, *rejection) {
	if name == "" {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "hmac secret not configured", "secret_not_configured")
	}
	if cached, ok := v.cache.Load(name); ok {
		return cached.([]byte), nil
	}
	var raw string
	err := errors.New("auth: secret provider not configured")
	if v.provider != nil {
		raw, err = v.provider.GetSecret(ctx, name)
	}
	if err == nil && raw == "" {
		err = errors.New("auth: secret is empty")
	}
	if err != nil {
		v.logger.Warn("hmac secret lookup failed", zap.String("secret", name), zap.Error(err))
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable", "secret_unavailable")
	}
	secret := []byte(raw)
	v.cache.Store(name, secret)
	return secret, nil
}

func (v *HMACValidator) parseHeaders(r *http.Request) (signedParts, *rejection) {
	p := signedParts{
		signature: strings.TrimSpace(r.Header.Get(v.headers.signature)),
		rawTime:   strings.TrimSpace(r.Header.Get(v.headers.timestamp)),
		nonce:     strings.TrimSpace(r.Header.Get(v.headers.nonce)),
	}
	switch {
	case p.signature == "":
		return p, reject(http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing")
	case p.rawTime == "":
		return p, reject(http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", "timestamp_missing")
	}
	at, err := parseSignatureTimestamp(p.rawTime)
	if err != nil {
		return p, reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", "timestamp_invalid")
	}
	p.at = at
	if skew := v.now().Sub(at).Abs(); skew > v.clockSkew {
		return p, reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", "timestamp_skew")
	}
	if p.nonce == "" {
		return p, reject(http.StatusUnauthorized, "nonce_missing", "signature nonce missing", "nonce_missing")
	}
	return p, nil
}

// useNonce remembers the nonce until TTL after the signed timestamp, or after now for
// timestamps already older than the TTL.
func (v *HMACValidator) useNonce(ctx context.Context, secretName string, p signedParts) *rejection {
	if v.nonces == nil {
		return reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable", "nonce_store_unavailable")
	}
	now := v.now()
	expiry := p.at.Add(v.nonceTTL)
	if !expiry.After(now) {
		expiry = now.Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, secretName, p.nonce, expiry)
	if err != nil {
		v.logger.Warn("hmac nonce store error", zap.Error(err))
		return reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error", "nonce_store_error")
	}
	if !fresh {
		return reject(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", "nonce_replay")
	}
	return nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
	}
}

// bufferBody reads at most maxSignedBodyBytes and puts an equivalent body back on r.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBodyBytes {
		return nil, errors.New("auth: signed body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts hex or standard base64, with an optional "sha256=" prefix.
func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if raw, err := hex.DecodeString(value); err == nil && len(raw) == sha256.Size {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil && len(raw) > 0 {
		return raw, nil
	}
	return nil, errors.New("auth: signature must be hex or base64")
}

// parseSignatureTimestamp accepts RFC 3339 or unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}
