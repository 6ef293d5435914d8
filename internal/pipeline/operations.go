package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/aspect"
	"videothingy/newsreel/internal/db"
	"videothingy/newsreel/internal/jobs"
	"videothingy/newsreel/internal/models"
	"videothingy/newsreel/internal/storage"
)

var renderable = []models.Status{models.StatusAnalyzed, models.StatusCompleted}

// Upload validates and stores a new video and creates its record in uploaded.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.Video, error) {
	const op = "pipeline.Upload"
	ext, contentType, err := s.checkUpload(req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	entry := s.videoLog(id)
	dir, cleanup, err := s.workDir("upload", id)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	local := filepath.Join(dir, "source"+ext)
	size, err := s.spool(req.Body, local)
	if err != nil {
		return nil, err
	}

	v := &models.Video{
		ID:               id,
		Filename:         id + ext,
		OriginalFilename: path.Base(strings.ReplaceAll(req.Filename, "\\", "/")),
		Status:           models.StatusUploaded,
		FileSizeBytes:    size,
		ShowLocation:     true,
		TemplateID:       models.DefaultTemplate,
	}
	if req.TemplateID != "" {
		v.TemplateID = req.TemplateID
	}
	if h := deref(req.Headline); h != "" {
		v.UserHeadline = models.StringPtr(h)
	}
	if l := deref(req.Location); l != "" {
		v.UserLocation = models.StringPtr(l)
	}
	if req.ShowLocation != nil {
		v.ShowLocation = *req.ShowLocation
	}

	if info, err := s.media.Probe(ctx, local); err != nil {
		entry.WithError(err).Warn("Could not probe upload")
	} else {
		d := info.Duration
		v.DurationSeconds = &d
		v.Resolution = models.StringPtr(aspect.Resolution(info.Width, info.Height))
	}

	f, err := os.Open(local)
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, op, err)
	}
	defer f.Close()
	key := path.Join(storage.UploadsPrefix, v.Filename)
	loc, err := s.blobs.Put(ctx, key, f)
	if err != nil {
		return nil, err
	}
	v.OriginalLocation = loc

	now := s.now().UTC()
	v.CreatedAt, v.UpdatedAt = now, now
	if err := s.store.Create(ctx, v); err != nil {
		s.deleteBlob(ctx, entry, loc)
		return nil, err
	}
	entry.WithFields(logrus.Fields{"bytes": size, "content_type": contentType}).Info("Video uploaded")
	return v, nil
}

// spool copies body to dst and enforces the size limit.
func (s *Service) spool(body io.Reader, dst string) (int64, error) {
	const op = "pipeline.Upload"
	f, err := os.Create(dst)
	if err != nil {
		return 0, apperr.New(apperr.KindInfra, op, err)
	}
	n, err := io.Copy(f, io.LimitReader(body, s.cfg.MaxUploadBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		return 0, apperr.New(apperr.KindInfra, op, err)
	case n == 0:
		return 0, apperr.Newf(apperr.KindValidation, op, "file is empty")
	case n > s.cfg.MaxUploadBytes:
		return 0, apperr.Newf(apperr.KindValidation, op, "file exceeds %d bytes", s.cfg.MaxUploadBytes)
	}
	return n, nil
}

// Analyze moves an uploaded video to analyzing and queues the analysis stage.
func (s *Service) Analyze(ctx context.Context, id string) (*models.Video, error) {
	const op = "pipeline.Analyze"
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := []models.Status{models.StatusUploaded}
	if err := guard(op, v, from); err != nil {
		return nil, err
	}
	v, err = s.transition(ctx, op, id, from, models.StatusAnalyzing, db.Fields{models.FieldErrorMessage: nil})
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, id, jobs.StageAnalyze); err != nil {
		s.revert(ctx, id, models.StatusAnalyzing, models.StatusUploaded)
		return nil, err
	}
	s.videoLog(id).Info("Analysis queued")
	return v, nil
}

// Render persists req's overrides, moves the video to rendering and queues the
// render stage. A completed video may be rendered again.
func (s *Service) Render(ctx context.Context, id string, req RenderRequest) (*models.Video, error) {
	const op = "pipeline.Render"
	if err := s.validateStruct(op, metadataFields{
		Headline:   deref(req.Headline),
		Location:   deref(req.Location),
		TemplateID: derefTemplate(req.TemplateID),
	}); err != nil {
		return nil, err
	}
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := guard(op, v, renderable); err != nil {
		return nil, err
	}

	fields := db.Fields{
		models.FieldProcessedLocation: nil,
		models.FieldProcessedSize:     nil,
		models.FieldErrorMessage:      nil,
	}
	if h := deref(req.Headline); h != "" {
		fields[models.FieldUserHeadline] = h
	}
	if l := deref(req.Location); l != "" {
		fields[models.FieldUserLocation] = l
	}
	if req.ShowLocation != nil {
		fields[models.FieldShowLocation] = *req.ShowLocation
	}
	if t := derefTemplate(req.TemplateID); t != "" {
		fields[models.FieldTemplateID] = t
	}

	previous := v.ProcessedLocation
	v, err = s.transition(ctx, op, id, renderable, models.StatusRendering, fields)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		s.deleteBlob(ctx, s.videoLog(id), *previous)
	}
	if err := s.dispatch(ctx, id, jobs.StageRender); err != nil {
		s.revert(ctx, id, models.StatusRendering, models.StatusAnalyzed)
		return nil, err
	}
	s.videoLog(id).WithField("template", v.TemplateID).Info("Render queued")
	return v, nil
}

// UpdateMetadata changes user overrides in any status. It never changes status.
func (s *Service) UpdateMetadata(ctx context.Context, id string, req MetadataRequest) (*models.Video, error) {
	const op = "pipeline.UpdateMetadata"
	if req.Headline == nil && req.Location == nil && req.ShowLocation == nil && req.TemplateID == nil {
		return nil, apperr.Newf(apperr.KindValidation, op, "nothing to update")
	}
	if err := s.validateStruct(op, metadataFields{
		Headline:   deref(req.Headline),
		Location:   deref(req.Location),
		TemplateID: derefTemplate(req.TemplateID),
	}); err != nil {
		return nil, err
	}

	fields := db.Fields{}
	if req.Headline != nil {
		fields[models.FieldUserHeadline] = optional(deref(req.Headline))
	}
	if req.Location != nil {
		fields[models.FieldUserLocation] = optional(deref(req.Location))
	}
	if req.ShowLocation != nil {
		fields[models.FieldShowLocation] = *req.ShowLocation
	}
	if req.TemplateID != nil && *req.TemplateID != "" {
		fields[models.FieldTemplateID] = string(*req.TemplateID)
	}
	v, err := s.store.Update(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	s.videoLog(id).Info("Metadata updated")
	return v, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Video, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	progress, stage := v.Status.Progress()
	return &StatusView{
		ID:           v.ID,
		Status:       v.Status,
		Progress:     progress,
		Stage:        stage,
		ErrorMessage: v.ErrorMessage,
		UpdatedAt:    v.UpdatedAt,
	}, nil
}

// Analysis returns analysis output once it exists.
func (s *Service) Analysis(ctx context.Context, id string) (*AnalysisView, error) {
	const op = "pipeline.Analysis"
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status == models.StatusUploaded || v.Status == models.StatusAnalyzing || !v.HasAnalysis() {
		return nil, apperr.Newf(apperr.KindGuard, op, "video %s has no analysis yet (status %s)", id, v.Status)
	}
	return &AnalysisView{
		ID:                v.ID,
		Status:            v.Status,
		Transcript:        v.Transcript,
		VisualAnalysis:    v.VisualAnalysis,
		GeneratedHeadline: v.GeneratedHeadline,
		GeneratedLocation: v.GeneratedLocation,
		FinalHeadline:     v.FinalHeadline(),
		FinalLocation:     v.FinalLocation(),
		ShowLocation:      v.ShowLocation,
		TemplateID:        v.TemplateID,
	}, nil
}

// Output describes a completed render with a time-limited download URL.
func (s *Service) Output(ctx context.Context, id string) (*OutputView, error) {
	const op = "pipeline.Output"
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := guard(op, v, []models.Status{models.StatusCompleted}); err != nil {
		return nil, err
	}
	if v.ProcessedLocation == nil {
		return nil, apperr.Newf(apperr.KindNotFound, op, "video %s has no processed file", id)
	}
	url, err := s.blobs.PresignURL(ctx, *v.ProcessedLocation, s.cfg.PresignTTL)
	if err != nil {
		return nil, err
	}
	var sizeMB float64
	if v.ProcessedSize != nil {
		sizeMB = math.Round(float64(*v.ProcessedSize)/(1024*1024)*100) / 100
	}
	return &OutputView{
		ID:           v.ID,
		Resolution:   aspect.Resolution(aspect.TargetWidth, aspect.TargetHeight),
		AspectRatio:  "9:16",
		SizeMB:       sizeMB,
		DownloadURL:  url,
		Headline:     v.FinalHeadline(),
		Location:     v.FinalLocation(),
		ShowLocation: v.ShowLocation,
		TemplateID:   v.TemplateID,
		CreatedAt:    v.CreatedAt,
	}, nil
}

// Retry returns a failed video to analyzed when its analysis survived, else to uploaded.
func (s *Service) Retry(ctx context.Context, id string) (*models.Video, error) {
	const op = "pipeline.Retry"
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := []models.Status{models.StatusError}
	if err := guard(op, v, from); err != nil {
		return nil, err
	}
	to := models.StatusUploaded
	if v.HasAnalysis() {
		to = models.StatusAnalyzed
	}
	v, err = s.transition(ctx, op, id, from, to, db.Fields{models.FieldErrorMessage: nil})
	if err != nil {
		return nil, err
	}
	s.videoLog(id).WithField("status", to).Info("Video reset after error")
	return v, nil
}

// Regenerate queues fresh headline and location suggestions from the stored transcript.
func (s *Service) Regenerate(ctx context.Context, id string) (*models.Video, error) {
	const op = "pipeline.Regenerate"
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := guard(op, v, renderable); err != nil {
		return nil, err
	}
	if v.Transcript == nil {
		return nil, apperr.Newf(apperr.KindGuard, op, "video %s has no transcript", id)
	}
	if err := s.dispatch(ctx, id, jobs.StageRegenerate); err != nil {
		return nil, err
	}
	s.videoLog(id).Info("Suggestion regeneration queued")
	return v, nil
}

func guard(op string, v *models.Video, from []models.Status) error {
	if slices.Contains(from, v.Status) {
		return nil
	}
	return apperr.Newf(apperr.KindGuard, op, "video %s is %s, expected one of %v", v.ID, v.Status, from)
}

// transition reports a lost race as a guard violation.
func (s *Service) transition(ctx context.Context, op, id string, from []models.Status, to models.Status, fields db.Fields) (*models.Video, error) {
	v, err := s.store.Transition(ctx, id, from, to, fields)
	if apperr.Is(err, apperr.KindConflict) {
		var e *apperr.Error
		errors.As(err, &e)
		return nil, apperr.New(apperr.KindGuard, op, e.Err)
	}
	return v, err
}

func (s *Service) dispatch(ctx context.Context, id string, stage jobs.Stage) error {
	if s.dispatcher == nil {
		return apperr.Newf(apperr.KindInfra, "pipeline.dispatch", "no dispatcher configured")
	}
	return s.dispatcher.Dispatch(ctx, jobs.NewStageJob(id, stage, s.now().UTC()))
}

// revert undoes a transition whose stage could not be queued.
func (s *Service) revert(ctx context.Context, id string, from, to models.Status) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.Transition(ctx, id, []models.Status{from}, to, nil); err != nil {
		s.videoLog(id).WithError(err).Error("Could not revert status after dispatch failure")
	}
}

func (s *Service) deleteBlob(ctx context.Context, entry *logrus.Entry, locator string) {
	err := s.blobs.Delete(context.WithoutCancel(ctx), locator)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		entry.WithError(err).WithField("locator", locator).Warn("Could not delete blob")
	}
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
