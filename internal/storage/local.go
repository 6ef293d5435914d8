package storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"videothingy/newsreel/internal/apperr"
)

// LocalStore keeps blobs under a root directory. Locators are absolute file paths.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "storage.NewLocalStore", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperr.New(apperr.KindInfra, "storage.NewLocalStore", err)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	const op = "storage.LocalStore.Put"
	path, err := s.pathForKey(op, key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", apperr.New(apperr.KindInfra, op, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperr.New(apperr.KindInfra, op, err)
	}

	// Write to a sibling temp file so readers never see a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", apperr.New(apperr.KindInfra, op, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", apperr.New(apperr.KindInfra, op, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", apperr.New(apperr.KindInfra, op, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", apperr.New(apperr.KindInfra, op, err)
	}
	return path, nil
}

func (s *LocalStore) Fetch(ctx context.Context, locator, dest string) error {
	const op = "storage.LocalStore.Fetch"
	path, err := s.checkLocator(op, locator)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.Newf(apperr.KindNotFound, op, "blob %s not found", locator)
		}
		return apperr.New(apperr.KindInfra, op, err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return apperr.New(apperr.KindInfra, op, err)
	}
	if err := dst.Close(); err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	return ctx.Err()
}

func (s *LocalStore) Delete(_ context.Context, locator string) error {
	const op = "storage.LocalStore.Delete"
	path, err := s.checkLocator(op, locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperr.Newf(apperr.KindNotFound, op, "blob %s not found", locator)
		}
		return apperr.New(apperr.KindInfra, op, err)
	}
	return nil
}

// PresignURL returns a file:// URL; local blobs need no signature.
func (s *LocalStore) PresignURL(_ context.Context, locator string, _ time.Duration) (string, error) {
	path, err := s.checkLocator("storage.LocalStore.PresignURL", locator)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

func (s *LocalStore) pathForKey(op, key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", apperr.Newf(apperr.KindValidation, op, "empty key")
	}
	return filepath.Join(s.root, clean), nil
}

// checkLocator rejects paths outside the store root.
func (s *LocalStore) checkLocator(op, locator string) (string, error) {
	path := filepath.Clean(locator)
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", apperr.Newf(apperr.KindValidation, op, "locator %q is outside %s", locator, s.root)
	}
	return path, nil
}
