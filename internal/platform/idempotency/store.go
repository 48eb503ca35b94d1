package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lunchdesk/api/internal/platform/cache"
)

// DefaultTTL bounds how long a completed response is replayed.
const DefaultTTL = 24 * time.Hour

const (
	statusPending   = "pending"
	statusCompleted = "completed"
	keyPrefix       = "idem:"
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for a different request")

// Record is the cached state of one idempotency key.
type Record struct {
	Fingerprint string              `json:"fingerprint"`
	Status      string              `json:"status"`
	HTTPStatus  int                 `json:"httpStatus,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	StoredAt    time.Time           `json:"storedAt"`
}

// Ledger keeps idempotency records in the shared cache, so replays work across instances when
// the cache is Redis.
type Ledger struct {
	store cache.Store
	ttl   time.Duration
}

// NewLedger binds a Ledger to store.
func NewLedger(store cache.Store, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{store: store, ttl: ttl}
}

// Reserve returns the existing record for key, or stores a pending marker and reports found=false.
// Two racing callers may both see a miss; the guarded operation is itself an upsert.
func (l *Ledger) Reserve(ctx context.Context, key, fingerprint string, now time.Time) (Record, bool, error) {
	record, ok, err := cache.GetJSON[Record](ctx, l.store, cacheKey(key))
	if err != nil {
		return Record{}, false, err
	}
	if ok {
		if record.Fingerprint != fingerprint {
			return Record{}, false, ErrFingerprintMismatch
		}
		return record, true, nil
	}
	pending := Record{Fingerprint: fingerprint, Status: statusPending, StoredAt: now}
	if err := cache.SetJSON(ctx, l.store, cacheKey(key), pending, l.ttl); err != nil {
		return Record{}, false, err
	}
	return pending, false, nil
}

// Complete stores the response captured for key.
func (l *Ledger) Complete(ctx context.Context, key, fingerprint string, status int, header http.Header, body []byte, now time.Time) error {
	record := Record{
		Fingerprint: fingerprint,
		Status:      statusCompleted,
		HTTPStatus:  status,
		Headers:     sanitizeHeaders(header),
		Body:        body,
		StoredAt:    now,
	}
	return cache.SetJSON(ctx, l.store, cacheKey(key), record, l.ttl)
}

// Release forgets key so the client can retry, used when the guarded request failed.
func (l *Ledger) Release(ctx context.Context, key string) error {
	return l.store.Delete(ctx, cacheKey(key))
}

func cacheKey(key string) string {
	return keyPrefix + sha256Hex([]byte(key))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizeHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		switch strings.ToLower(canonical) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade":
			continue
		}
		filtered[canonical] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}
