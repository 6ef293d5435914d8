// Package storage moves video and overlay blobs between the pipeline's scratch
// directories and a backing object store.
package storage

import (
	"context"
	"io"
	"strings"
	"time"

	"videothingy/newsreel/internal/apperr"
)

// BlobStore is an object store addressed by opaque locators. Put returns the
// locator; every other method takes one.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	// Fetch copies the blob at locator into the local file dest.
	Fetch(ctx context.Context, locator, dest string) error
	Delete(ctx context.Context, locator string) error
	// PresignURL returns a time-limited download URL.
	PresignURL(ctx context.Context, locator string, ttl time.Duration) (string, error)
}

// Object key prefixes.
const (
	UploadsPrefix   = "uploads"
	ProcessedPrefix = "processed"
)

// splitLocator parses scheme://bucket/key.
func splitLocator(op, scheme, locator string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(locator, scheme+"://")
	if !ok {
		return "", "", apperr.Newf(apperr.KindValidation, op, "locator %q is not a %s locator", locator, scheme)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", apperr.Newf(apperr.KindValidation, op, "malformed locator %q", locator)
	}
	return bucket, key, nil
}

// ContentTypeForKey guesses a MIME type from the key's extension.
func ContentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".mp4"), strings.HasSuffix(s, ".m4v"):
		return "video/mp4"
	case strings.HasSuffix(s, ".mov"):
		return "video/quicktime"
	case strings.HasSuffix(s, ".avi"):
		return "video/x-msvideo"
	case strings.HasSuffix(s, ".mkv"):
		return "video/x-matroska"
	case strings.HasSuffix(s, ".mpeg"), strings.HasSuffix(s, ".mpg"):
		return "video/mpeg"
	case strings.HasSuffix(s, ".webm"):
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}
