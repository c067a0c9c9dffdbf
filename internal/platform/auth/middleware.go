package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/storefront/orders-api/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultEmailClaim    = "email"
	defaultFallbackRole  = RoleCustomer
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase ID tokens into request identities.
type Authenticator struct {
	verifier TokenVerifier

	roleClaim    string
	emailClaim   string
	fallbackRole string
	timeout      time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the role assumed when the token carries none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		a.fallbackRole = normaliseRole(role)
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator around verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		emailClaim:   defaultEmailClaim,
		fallbackRole: defaultFallbackRole,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the bearer token. When allowedRoles is non-empty the
// identity must hold one of them or the request is rejected with 403.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			identity, err := a.verify(ctx, tokenStr)
			if err != nil {
				respondVerificationError(ctx, w, err)
				return
			}
			if len(identity.Roles) == 0 {
				respondAuthError(ctx, w, http.StatusForbidden, "missing_role", "no roles associated with identity")
				return
			}
			if len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				respondAuthError(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			requestctx.Annotate(ctx, requestctx.AnnotationCustomerID, identity.UID)
			ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("customerId", identity.UID)))
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) verify(ctx context.Context, tokenStr string) (*Identity, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
	if err != nil {
		return nil, err
	}
	if token == nil || token.UID == "" {
		return nil, ErrTokenInvalid
	}

	identity := &Identity{
		UID:   token.UID,
		Email: claimAsString(token.Claims, a.emailClaim),
		Roles: rolesFromClaims(token.Claims, a.roleClaim),
		token: token,
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	return identity, nil
}

// rolesFromClaims accepts a single role, a list of roles, or a map of role flags.
func rolesFromClaims(claims map[string]any, key string) []string {
	var candidates []string
	switch v := claims[key].(type) {
	case string:
		candidates = []string{v}
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case map[string]any:
		for role, flag := range v {
			if enabled, ok := flag.(bool); ok && enabled {
				candidates = append(candidates, role)
			}
		}
	}

	roles := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		role := normaliseRole(candidate)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	return roles
}

func claimAsString(claims map[string]any, key string) string {
	value, _ := claims[key].(string)
	return value
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	default:
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
