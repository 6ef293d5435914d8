// Package db persists Video records. Every backend applies partial field updates
// and conditional status transitions atomically per record.
package db

import (
	"context"
	"slices"
	"time"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

// Fields is a partial update keyed by column name (see models.Field*).
type Fields map[string]any

// Store is the record store the pipeline runs against.
type Store interface {
	Create(ctx context.Context, v *models.Video) error
	Get(ctx context.Context, id string) (*models.Video, error)
	// Update sets fields and refreshes updated_at. It never touches other columns.
	Update(ctx context.Context, id string, fields Fields) (*models.Video, error)
	// Transition moves the record to `to` only if its status is in `from`, applying
	// fields in the same write. A record in another status yields a KindConflict error.
	Transition(ctx context.Context, id string, from []models.Status, to models.Status, fields Fields) (*models.Video, error)
	Delete(ctx context.Context, id string) error
	// ListByStatusBefore returns records in status whose updated_at is older than cutoff.
	ListByStatusBefore(ctx context.Context, status models.Status, cutoff time.Time) ([]*models.Video, error)
	Ping(ctx context.Context) error
}

func notFound(op, id string) error {
	return apperr.Newf(apperr.KindNotFound, op, "video %s not found", id)
}

func conflict(op, id string, current models.Status, from []models.Status) error {
	return apperr.Newf(apperr.KindConflict, op, "video %s is %s, expected one of %v", id, current, from)
}

// withStatus copies fields and adds the status and updated_at columns.
func withStatus(fields Fields, to models.Status, now time.Time) Fields {
	out := make(Fields, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out[models.FieldStatus] = to
	out[models.FieldUpdatedAt] = now
	return out
}

// checkStatus rejects rows whose status column holds an unknown value.
func checkStatus(op string, v *models.Video) (*models.Video, error) {
	if !v.Status.Valid() {
		return nil, apperr.Newf(apperr.KindInfra, op, "video %s has unknown status %q", v.ID, v.Status)
	}
	return v, nil
}

func withUpdatedAt(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[models.FieldUpdatedAt] = now
	return out
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func allowed(current models.Status, from []models.Status) bool {
	return slices.Contains(from, current)
}
