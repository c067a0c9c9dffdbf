package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "idempotency_keys"
	defaultMaxAttempts = 5
)

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding records.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts bounds Firestore transaction retries.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// FirestoreStore keeps records as documents keyed by the hashed idempotency key.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

var (
	_ Store   = (*FirestoreStore)(nil)
	_ Sweeper = (*FirestoreStore)(nil)
)

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	s := &FirestoreStore{client: client, collection: defaultCollection, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(documentID(key))
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ref := s.doc(key)

	var result Reservation
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		if found && !existing.expired(now) {
			result, err = existingReservation(existing.toRecord(), fingerprint)
			return err
		}
		record := newPendingRecord(key, fingerprint, now, normaliseTTL(ttl))
		if err := tx.Set(ref, fromRecord(record)); err != nil {
			return err
		}
		result = Reservation{State: ReservationStateNew, Record: record}
		return nil
	}, firestore.MaxAttempts(s.maxAttempts))
	return result, err
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref := s.doc(key)

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := readRecord(tx, ref)
		if err != nil {
			return err
		}
		record := newPendingRecord(key, fingerprint, now, normaliseTTL(ttl))
		if found {
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record = existing.toRecord()
		}
		return tx.Set(ref, fromRecord(record.complete(resp, now, normaliseTTL(ttl))))
	}, firestore.MaxAttempts(s.maxAttempts))
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, err := s.doc(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired implements Sweeper.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func readRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (firestoreRecord, bool, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return firestoreRecord{}, false, nil
		}
		return firestoreRecord{}, false, err
	}
	var record firestoreRecord
	if err := snap.DataTo(&record); err != nil {
		return firestoreRecord{}, false, err
	}
	return record, true, nil
}

type firestoreRecord struct {
	ID              string              `firestore:"id"`
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func fromRecord(r Record) firestoreRecord {
	return firestoreRecord{
		ID:              r.ID,
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		ID:              r.ID,
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) expired(now time.Time) bool {
	return r.toRecord().expired(now)
}
