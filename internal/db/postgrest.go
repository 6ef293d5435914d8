package db

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	postgrest "github.com/supabase-community/postgrest-go"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

// VideosTable is the PostgREST table holding Video rows. JSON columns
// (transcript, generated_headline, ...) are jsonb.
const VideosTable = "videos"

// NewPostgrestClient builds a PostgREST client for a Supabase project.
func NewPostgrestClient(supabaseURL, serviceKey string) (*postgrest.Client, error) {
	if supabaseURL == "" || serviceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client := postgrest.NewClient(supabaseURL+"/rest/v1", "", map[string]string{
		"apikey":        serviceKey,
		"Authorization": fmt.Sprintf("Bearer %s", serviceKey),
	})
	if client.ClientError != nil {
		return nil, fmt.Errorf("failed to initialize PostgREST client: %w", client.ClientError)
	}
	return client, nil
}

// PostgrestStore stores videos in a Supabase Postgres table.
type PostgrestStore struct {
	client *postgrest.Client
	table  string
	log    *logrus.Logger
	now    func() time.Time
}

func NewPostgrestStore(client *postgrest.Client, log *logrus.Logger) *PostgrestStore {
	return &PostgrestStore{client: client, table: VideosTable, log: log, now: time.Now}
}

func (s *PostgrestStore) Create(_ context.Context, v *models.Video) error {
	var rows []models.Video
	// return=representation makes PostgREST echo the inserted row.
	_, err := s.client.From(s.table).Insert(v, false, "", "representation", "").ExecuteTo(&rows)
	if err != nil {
		return apperr.New(apperr.KindInfra, "db.Create", fmt.Errorf("failed to insert video %s: %w", v.ID, err))
	}
	if len(rows) == 0 {
		return apperr.Newf(apperr.KindInfra, "db.Create", "no row returned after insert, id: %s", v.ID)
	}

	s.log.WithField("video_id", v.ID).Debug("Created video record")
	return nil
}

func (s *PostgrestStore) Get(_ context.Context, id string) (*models.Video, error) {
	var rows []models.Video
	_, err := s.client.From(s.table).Select("*", "", false).Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.Get", fmt.Errorf("failed to fetch video %s: %w", id, err))
	}
	if len(rows) == 0 {
		return nil, notFound("db.Get", id)
	}
	return checkStatus("db.Get", &rows[0])
}

func (s *PostgrestStore) Update(ctx context.Context, id string, fields Fields) (*models.Video, error) {
	var rows []models.Video
	_, err := s.client.From(s.table).
		Update(map[string]any(withUpdatedAt(fields, s.now())), "representation", "").
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.Update", fmt.Errorf("failed to update video %s: %w", id, err))
	}
	if len(rows) == 0 {
		return nil, notFound("db.Update", id)
	}
	return &rows[0], nil
}

// Transition filters the UPDATE on the current status, so the status check and the
// write are a single statement.
func (s *PostgrestStore) Transition(ctx context.Context, id string, from []models.Status, to models.Status, fields Fields) (*models.Video, error) {
	var rows []models.Video
	_, err := s.client.From(s.table).
		Update(map[string]any(withStatus(fields, to, s.now())), "representation", "").
		Eq("id", id).
		In("status", statusStrings(from)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.Transition", fmt.Errorf("failed to move video %s to %s: %w", id, to, err))
	}
	if len(rows) > 0 {
		s.log.WithFields(logrus.Fields{"video_id": id, "status": to}).Debug("Video status updated")
		return &rows[0], nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, conflict("db.Transition", id, current.Status, from)
}

func (s *PostgrestStore) Delete(ctx context.Context, id string) error {
	var rows []models.Video
	_, err := s.client.From(s.table).Delete("representation", "").Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return apperr.New(apperr.KindInfra, "db.Delete", fmt.Errorf("failed to delete video %s: %w", id, err))
	}
	if len(rows) == 0 {
		return notFound("db.Delete", id)
	}
	return nil
}

func (s *PostgrestStore) ListByStatusBefore(_ context.Context, status models.Status, cutoff time.Time) ([]*models.Video, error) {
	var rows []models.Video
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("status", string(status)).
		Lt("updated_at", cutoff.UTC().Format(time.RFC3339Nano)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.ListByStatusBefore", fmt.Errorf("failed to list %s videos: %w", status, err))
	}

	out := make([]*models.Video, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out, nil
}

func (s *PostgrestStore) Ping(context.Context) error {
	_, _, err := s.client.From(s.table).Select("id", "", false).Limit(1, "").Execute()
	if err != nil {
		return apperr.New(apperr.KindInfra, "db.Ping", err)
	}
	return nil
}
