package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	storage_go "github.com/supabase-community/storage-go"
	supa "github.com/supabase-community/supabase-go"

	"videothingy/newsreel/internal/apperr"
)

const supabaseScheme = "supabase"

// NewSupabaseClient builds a Supabase client for the given project URL and key.
func NewSupabaseClient(url, key string) (*supa.Client, error) {
	client, err := supa.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing supabase client: %w", err)
	}
	return client, nil
}

// SupabaseStore stores blobs in a Supabase Storage bucket.
type SupabaseStore struct {
	client  *supa.Client
	baseURL string
	bucket  string

	// upload options are set as headers on the client's shared transport
	uploadMu sync.Mutex
}

func NewSupabaseStore(client *supa.Client, baseURL, bucket string) *SupabaseStore {
	return &SupabaseStore{client: client, baseURL: strings.TrimRight(baseURL, "/"), bucket: bucket}
}

func (s *SupabaseStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	const op = "storage.SupabaseStore.Put"
	if err := ctx.Err(); err != nil {
		return "", apperr.New(apperr.KindInfra, op, err)
	}
	contentType := ContentTypeForKey(key)
	upsert := true

	s.uploadMu.Lock()
	_, err := s.client.Storage.UploadFile(s.bucket, key, r, storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	s.uploadMu.Unlock()
	if err != nil {
		return "", apperr.New(apperr.KindTransient, op, fmt.Errorf("uploading %s to bucket %s: %w", key, s.bucket, err))
	}
	return supabaseScheme + "://" + s.bucket + "/" + key, nil
}

func (s *SupabaseStore) Fetch(ctx context.Context, locator, dest string) error {
	const op = "storage.SupabaseStore.Fetch"
	bucket, key, err := splitLocator(op, supabaseScheme, locator)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	data, err := s.client.Storage.DownloadFile(bucket, key)
	if err != nil {
		return apperr.New(apperr.KindTransient, op, fmt.Errorf("downloading %s: %w", locator, err))
	}
	f, err := os.Create(dest)
	if err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return apperr.New(apperr.KindInfra, op, err)
	}
	if err := f.Close(); err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	return nil
}

func (s *SupabaseStore) Delete(_ context.Context, locator string) error {
	const op = "storage.SupabaseStore.Delete"
	bucket, key, err := splitLocator(op, supabaseScheme, locator)
	if err != nil {
		return err
	}
	if _, err := s.client.Storage.RemoveFile(bucket, []string{key}); err != nil {
		return apperr.New(apperr.KindTransient, op, fmt.Errorf("removing %s: %w", locator, err))
	}
	return nil
}

func (s *SupabaseStore) PresignURL(_ context.Context, locator string, ttl time.Duration) (string, error) {
	const op = "storage.SupabaseStore.PresignURL"
	bucket, key, err := splitLocator(op, supabaseScheme, locator)
	if err != nil {
		return "", err
	}
	seconds := int(ttl / time.Second)
	if seconds <= 0 {
		seconds = 60
	}
	resp, err := s.client.Storage.CreateSignedUrl(bucket, key, seconds)
	if err != nil {
		return "", apperr.New(apperr.KindTransient, op, fmt.Errorf("signing %s: %w", locator, err))
	}
	return s.absoluteURL(resp.SignedURL), nil
}

// Older storage APIs return the signed path relative to the project URL.
func (s *SupabaseStore) absoluteURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.baseURL + u
}
