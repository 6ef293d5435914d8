package db

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

const (
	recordExt     = ".json"
	lockName      = ".lock"
	lockPoll      = 10 * time.Millisecond
	lockStaleTime = 30 * time.Second
)

// FileStore keeps one JSON document per video under a directory, so records
// outlive the process. A lock file serializes writers across processes that
// share the directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.NewFileStore", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.NewFileStore", err)
	}
	return &FileStore{dir: abs, now: time.Now}, nil
}

// SetClock replaces the source of updated_at timestamps.
func (s *FileStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *FileStore) Create(ctx context.Context, v *models.Video) error {
	const op = "db.Create"
	doc, err := toDoc(v)
	if err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	return s.locked(ctx, op, func() error {
		path, err := s.path(op, v.ID)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return apperr.Newf(apperr.KindConflict, op, "video %s already exists", v.ID)
		}
		return s.write(op, path, doc)
	})
}

func (s *FileStore) Get(_ context.Context, id string) (*models.Video, error) {
	doc, err := s.read("db.Get", id)
	if err != nil {
		return nil, err
	}
	return fromDoc(doc)
}

func (s *FileStore) Update(ctx context.Context, id string, fields Fields) (*models.Video, error) {
	const op = "db.Update"
	var out *models.Video
	err := s.locked(ctx, op, func() error {
		doc, err := s.read(op, id)
		if err != nil {
			return err
		}
		out, err = s.apply(op, id, doc, withUpdatedAt(fields, s.now()))
		return err
	})
	return out, err
}

func (s *FileStore) Transition(ctx context.Context, id string, from []models.Status, to models.Status, fields Fields) (*models.Video, error) {
	const op = "db.Transition"
	var out *models.Video
	err := s.locked(ctx, op, func() error {
		doc, err := s.read(op, id)
		if err != nil {
			return err
		}
		current, _ := doc[models.FieldStatus].(string)
		if !allowed(models.Status(current), from) {
			return conflict(op, id, models.Status(current), from)
		}
		out, err = s.apply(op, id, doc, withStatus(fields, to, s.now()))
		return err
	})
	return out, err
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	const op = "db.Delete"
	return s.locked(ctx, op, func() error {
		path, err := s.path(op, id)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return notFound(op, id)
			}
			return apperr.New(apperr.KindInfra, op, err)
		}
		return nil
	})
}

func (s *FileStore) ListByStatusBefore(_ context.Context, status models.Status, cutoff time.Time) ([]*models.Video, error) {
	const op = "db.ListByStatusBefore"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, op, err)
	}

	var out []*models.Video
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		doc, err := s.read(op, strings.TrimSuffix(name, recordExt))
		if apperr.Is(err, apperr.KindNotFound) {
			// deleted since ReadDir
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		if v.Status == status && v.UpdatedAt.Before(cutoff) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *FileStore) Ping(context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return apperr.New(apperr.KindInfra, "db.Ping", err)
	}
	return nil
}

func (s *FileStore) apply(op, id string, doc map[string]any, fields Fields) (*models.Video, error) {
	next, v, err := mergeDoc(doc, fields)
	if err != nil {
		return nil, err
	}
	path, err := s.path(op, id)
	if err != nil {
		return nil, err
	}
	if err := s.write(op, path, next); err != nil {
		return nil, err
	}
	return v, nil
}

// path maps an id to its document; ids that would escape the directory are unknown.
func (s *FileStore) path(op, id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", notFound(op, id)
	}
	return filepath.Join(s.dir, id+recordExt), nil
}

func (s *FileStore) read(op, id string) (map[string]any, error) {
	path, err := s.path(op, id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(op, id)
		}
		return nil, apperr.New(apperr.KindInfra, op, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.New(apperr.KindInfra, op, err)
	}
	return doc, nil
}

// write replaces path through a sibling temp file so readers never see a partial document.
func (s *FileStore) write(op, path string, doc map[string]any) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".write-*")
	if err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apperr.New(apperr.KindInfra, op, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return apperr.New(apperr.KindInfra, op, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return apperr.New(apperr.KindInfra, op, err)
	}
	return nil
}

// locked runs fn holding both the in-process mutex and the directory lock file.
// A lock file older than lockStaleTime is left over from a crashed process and is removed.
func (s *FileStore) locked(ctx context.Context, op string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := filepath.Join(s.dir, lockName)
	for {
		f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return apperr.New(apperr.KindInfra, op, err)
		}
		if info, statErr := os.Stat(lock); statErr == nil && time.Since(info.ModTime()) > lockStaleTime {
			os.Remove(lock)
			continue
		}
		select {
		case <-ctx.Done():
			return apperr.New(apperr.KindTransient, op, ctx.Err())
		case <-time.After(lockPoll):
		}
	}
	defer os.Remove(lock)
	return fn()
}
