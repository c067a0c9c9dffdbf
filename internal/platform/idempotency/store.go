// Package idempotency lets clients retry order placement and cancellation
// safely: the first response for an Idempotency-Key is stored and replayed for
// later requests carrying the same key and payload.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long records are retained when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a record.
type Status string

const (
	// StatusPending marks a key reserved by a request still in flight.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose response can be replayed.
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of reserving a key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request holds the key.
	ReservationStatePending
)

func (s ReservationState) String() string {
	switch s {
	case ReservationStateNew:
		return "new"
	case ReservationStateCompleted:
		return "replayed"
	case ReservationStatePending:
		return "in_progress"
	default:
		return "unknown"
	}
}

// Reservation is the result of Store.Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the stored state for one key.
type Record struct {
	ID              string              `json:"id"`
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"responseStatus,omitempty"`
	ResponseHeaders map[string][]string `json:"responseHeaders,omitempty"`
	ResponseBody    []byte              `json:"responseBody,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	ExpiresAt       time.Time           `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is the handler output captured for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and responses.
type Store interface {
	// Reserve claims key for fingerprint, or reports the state of an existing claim.
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	// Complete stores the response for a key previously reserved with fingerprint.
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	// Release drops a pending reservation so the request can be retried.
	Release(ctx context.Context, key string) error
}

// Sweeper is implemented by stores without native expiry.
type Sweeper interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

func newPendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		ID:          uuid.NewString(),
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// complete applies resp to r.
func (r Record) complete(resp Response, now time.Time, ttl time.Duration) Record {
	r.Status = StatusCompleted
	r.ResponseStatus = resp.Status
	r.ResponseHeaders = sanitizeHeaders(resp.Headers)
	r.ResponseBody = nil
	if len(resp.Body) > 0 {
		r.ResponseBody = append([]byte(nil), resp.Body...)
	}
	r.UpdatedAt = now
	r.ExpiresAt = now.Add(ttl)
	return r
}

func normaliseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// documentID hashes a scoped key into a fixed-length identifier safe for any backend.
func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizeHeaders(header http.Header) map[string][]string {
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHop(canonical) {
			continue
		}
		filtered[canonical] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func hopByHop(name string) bool {
	switch name {
	case "Content-Length", "Date", "Connection", "Keep-Alive", "Proxy-Authenticate",
		"Proxy-Authorization", "Te", "Trailers", "Transfer-Encoding", "Upgrade":
		return true
	default:
		return false
	}
}
