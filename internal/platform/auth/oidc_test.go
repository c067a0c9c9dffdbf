package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) last(t *testing.T) verificationRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatalf("expected a verification record")
	}
	return m.records[len(m.records)-1]
}

const (
	fulfillmentAudience = "https://orders.example.com"
	googleIssuer        = "https://accounts.google.com"
)

func TestRequireOIDC(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	restore := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = restore })

	baseClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"aud":   []string{fulfillmentAudience},
			"iss":   googleIssuer,
			"sub":   "110000000000",
			"email": "fulfillment@orders-prod.iam.gserviceaccount.com",
			"iat":   float64(now.Unix()),
			"exp":   float64(now.Add(time.Hour).Unix()),
		}
	}

	cases := []struct {
		name       string
		audience   string
		claims     func(jwt.MapClaims)
		header     string
		brokenJWKS bool
		noToken    bool
		wantStatus int
		wantReason string
		wantActor  string
	}{
		{
			name:       "bearer token accepted",
			audience:   fulfillmentAudience,
			wantStatus: http.StatusNoContent,
			wantReason: "ok",
			wantActor:  "fulfillment@orders-prod.iam.gserviceaccount.com",
		},
		{
			name:       "iap assertion accepted and subject used without email",
			audience:   fulfillmentAudience,
			claims:     func(c jwt.MapClaims) { delete(c, "email") },
			header:     "X-Goog-Iap-Jwt-Assertion",
			wantStatus: http.StatusNoContent,
			wantReason: "ok",
			wantActor:  "110000000000",
		},
		{
			name:       "single string audience",
			audience:   fulfillmentAudience,
			claims:     func(c jwt.MapClaims) { c["aud"] = fulfillmentAudience },
			wantStatus: http.StatusNoContent,
			wantReason: "ok",
			wantActor:  "fulfillment@orders-prod.iam.gserviceaccount.com",
		},
		{
			name:       "audience mismatch",
			audience:   "https://other.example.com",
			wantStatus: http.StatusUnauthorized,
			wantReason: "audience_mismatch",
		},
		{
			name:       "issuer mismatch",
			audience:   fulfillmentAudience,
			claims:     func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "issuer_mismatch",
		},
		{
			name:       "expired token",
			audience:   fulfillmentAudience,
			claims:     func(c jwt.MapClaims) { c["exp"] = float64(now.Add(-time.Minute).Unix()) },
			wantStatus: http.StatusUnauthorized,
			wantReason: "token_invalid",
		},
		{
			name:       "missing token",
			audience:   fulfillmentAudience,
			noToken:    true,
			wantStatus: http.StatusUnauthorized,
			wantReason: "token_missing",
		},
		{
			name:       "audience not configured",
			audience:   " ",
			wantStatus: http.StatusServiceUnavailable,
			wantReason: "audience_not_configured",
		},
		{
			name:       "jwks unreachable",
			audience:   fulfillmentAudience,
			brokenJWKS: true,
			wantStatus: http.StatusServiceUnavailable,
			wantReason: "jwks_unavailable",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newJWKSServer(t, "svc-key")
			jwksURL := srv.URL
			if tc.brokenJWKS {
				// nothing listens on this port
				jwksURL = "http://127.0.0.1:65535/jwks"
			}
			metrics := &recordingMetrics{}
			validator := NewOIDCValidator(
				NewJWKSCache(jwksURL, WithJWKSLogger(zap.NewNop()), WithJWKSClock(func() time.Time { return now })),
				WithOIDCLogger(zaptest.NewLogger(t)),
				WithOIDCMetrics(metrics),
				WithOIDCClock(func() time.Time { return now }),
			)

			claims := baseClaims()
			if tc.claims != nil {
				tc.claims(claims)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/orders/ord_1:transition", nil)
			if !tc.noToken {
				token := srv.sign(t, claims)
				switch tc.header {
				case "":
					req.Header.Set("Authorization", "Bearer "+token)
				default:
					req.Header.Set(tc.header, token)
				}
			}

			var actor string
			rr := httptest.NewRecorder()
			validator.RequireOIDC(tc.audience, []string{googleIssuer})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, ok := ServiceIdentityFromContext(r.Context())
				if !ok {
					t.Fatalf("expected service identity in context")
				}
				actor = identity.ActorID()
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if actor != tc.wantActor {
				t.Fatalf("expected actor %q, got %q", tc.wantActor, actor)
			}
			rec := metrics.last(t)
			if rec.kind != "oidc" || rec.reason != tc.wantReason || rec.success != (tc.wantReason == "ok") {
				t.Fatalf("unexpected verification record %+v", rec)
			}
		})
	}
}
