package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

// MemoryStore keeps records in process. Records are stored as JSON documents so
// partial updates use the same column names as the remote stores.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]any), now: time.Now}
}

// SetClock replaces the source of updated_at timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(_ context.Context, v *models.Video) error {
	doc, err := toDoc(v)
	if err != nil {
		return apperr.New(apperr.KindInfra, "db.Create", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[v.ID]; exists {
		return apperr.Newf(apperr.KindConflict, "db.Create", "video %s already exists", v.ID)
	}
	s.docs[v.ID] = doc
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, notFound("db.Get", id)
	}
	return fromDoc(doc)
}

func (s *MemoryStore) Update(_ context.Context, id string, fields Fields) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, notFound("db.Update", id)
	}
	return s.apply(id, doc, withUpdatedAt(fields, s.now()))
}

func (s *MemoryStore) Transition(_ context.Context, id string, from []models.Status, to models.Status, fields Fields) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, notFound("db.Transition", id)
	}
	current, _ := doc[models.FieldStatus].(string)
	if !allowed(models.Status(current), from) {
		return nil, conflict("db.Transition", id, models.Status(current), from)
	}
	return s.apply(id, doc, withStatus(fields, to, s.now()))
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return notFound("db.Delete", id)
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) ListByStatusBefore(_ context.Context, status models.Status, cutoff time.Time) ([]*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Video
	for _, doc := range s.docs {
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

func (s *MemoryStore) Ping(context.Context) error { return nil }

// apply must be called with s.mu held.
func (s *MemoryStore) apply(id string, doc map[string]any, fields Fields) (*models.Video, error) {
	next, v, err := mergeDoc(doc, fields)
	if err != nil {
		return nil, err
	}
	s.docs[id] = next
	return v, nil
}

// mergeDoc overlays fields on a copy of doc and decodes the result.
func mergeDoc(doc map[string]any, fields Fields) (map[string]any, *models.Video, error) {
	next := make(map[string]any, len(doc))
	for k, v := range doc {
		next[k] = v
	}
	patch, err := toDoc(fields)
	if err != nil {
		return nil, nil, apperr.New(apperr.KindInfra, "db.apply", err)
	}
	for k, v := range patch {
		next[k] = v
	}
	v, err := fromDoc(next)
	if err != nil {
		return nil, nil, err
	}
	return next, v, nil
}

func toDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDoc(doc map[string]any) (*models.Video, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.decode", err)
	}
	var v models.Video
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.decode", err)
	}
	return checkStatus("db.decode", &v)
}
