package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"videothingy/newsreel/internal/apperr"
)

const gcsScheme = "gs"

// NewGCSClient builds a storage client. credentials may be a JSON document,
// a path to a credentials file, or empty for application default credentials.
func NewGCSClient(ctx context.Context, credentials string) (*storage.Client, error) {
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	creds := strings.TrimSpace(credentials)
	switch {
	case creds == "":
	case strings.HasPrefix(creds, "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	default:
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return client, nil
}

// GCSStore stores blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	const op = "storage.GCSStore.Put"
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = ContentTypeForKey(key)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", apperr.New(apperr.KindTransient, op, fmt.Errorf("writing gs://%s/%s: %w", s.bucket, key, err))
	}
	if err := w.Close(); err != nil {
		return "", apperr.New(apperr.KindTransient, op, fmt.Errorf("closing gs://%s/%s: %w", s.bucket, key, err))
	}
	return gcsScheme + "://" + s.bucket + "/" + key, nil
}

func (s *GCSStore) Fetch(ctx context.Context, locator, dest string) error {
	const op = "storage.GCSStore.Fetch"
	bucket, key, err := splitLocator(op, gcsScheme, locator)
	if err != nil {
		return err
	}
	rd, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return gcsError(op, locator, err)
	}
	defer rd.Close()

	f, err := os.Create(dest)
	if err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	if _, err := io.Copy(f, rd); err != nil {
		f.Close()
		return apperr.New(apperr.KindTransient, op, fmt.Errorf("reading %s: %w", locator, err))
	}
	if err := f.Close(); err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	return nil
}

func (s *GCSStore) Delete(ctx context.Context, locator string) error {
	const op = "storage.GCSStore.Delete"
	bucket, key, err := splitLocator(op, gcsScheme, locator)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		return gcsError(op, locator, err)
	}
	return nil
}

func (s *GCSStore) PresignURL(_ context.Context, locator string, ttl time.Duration) (string, error) {
	const op = "storage.GCSStore.PresignURL"
	bucket, key, err := splitLocator(op, gcsScheme, locator)
	if err != nil {
		return "", err
	}
	u, err := s.client.Bucket(bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", apperr.New(apperr.KindInfra, op, fmt.Errorf("signing %s: %w", locator, err))
	}
	return u, nil
}

func gcsError(op, locator string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return apperr.Newf(apperr.KindNotFound, op, "blob %s not found", locator)
	}
	return apperr.New(apperr.KindTransient, op, fmt.Errorf("%s: %w", locator, err))
}
