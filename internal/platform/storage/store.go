package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultSignedURLExpiry = 72 * time.Hour
	// V4 signatures cannot outlive seven days.
	maxSignedURLExpiry = 7 * 24 * time.Hour
)

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

// Store writes report artifacts and backups to a Cloud Storage bucket and hands out download links.
type Store struct {
	bucket *gcs.BucketHandle
	name   string
	signer Signer
	now    func() time.Time
}

// StoreOption customises Store behaviour.
type StoreOption func(*Store)

// WithSigner signs URLs with an explicit service account key instead of the runtime credentials.
func WithSigner(signer Signer) StoreOption {
	return func(s *Store) {
		if signer != nil && strings.TrimSpace(signer.Email()) != "" {
			s.signer = signer
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore binds a Store to bucket on client.
func NewStore(client *gcs.Client, bucket string, opts ...StoreOption) (*Store, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	s := &Store{
		bucket: client.Bucket(bucket),
		name:   bucket,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Put uploads data to objectPath, replacing any previous object.
func (s *Store) Put(ctx context.Context, objectPath, contentType string, data []byte) error {
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" {
		return errInvalidObject
	}
	w := s.bucket.Object(objectPath).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	// single request upload; reports are small
	w.ChunkSize = 0
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write %s/%s: %w", s.name, objectPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: finalize %s/%s: %w", s.name, objectPath, err)
	}
	return nil
}

// SignedURL returns a GET link to objectPath valid for ttl. The download is served as an attachment
// named after the object.
func (s *Store) SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" {
		return "", errInvalidObject
	}
	if ttl <= 0 {
		ttl = defaultSignedURLExpiry
	}
	if ttl > maxSignedURLExpiry {
		return "", errExpiryTooLong
	}

	opts := &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: s.now().Add(ttl),
		QueryParameters: url.Values{
			"response-content-disposition": {fmt.Sprintf("attachment; filename=%q", path.Base(objectPath))},
		},
	}
	if s.signer != nil {
		opts.GoogleAccessID = s.signer.Email()
		opts.SignBytes = func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		}
	}
	signed, err := s.bucket.SignedURL(objectPath, opts)
	if err != nil {
		return "", fmt.Errorf("storage: sign %s/%s: %w", s.name, objectPath, err)
	}
	return signed, nil
}
