package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/aspect"
	"videothingy/newsreel/internal/compositor"
	"videothingy/newsreel/internal/db"
	"videothingy/newsreel/internal/ffmpeg"
	"videothingy/newsreel/internal/jobs"
	"videothingy/newsreel/internal/models"
	"videothingy/newsreel/internal/overlay"
	"videothingy/newsreel/internal/storage"
)

const maxErrorMessage = 500

// ExecuteStage runs one queued stage. Stage failures are recorded on the video
// as status error; the returned error only feeds worker logs.
func (s *Service) ExecuteStage(ctx context.Context, job jobs.StageJob) (err error) {
	unlock := s.locks.Lock(job.VideoID)
	defer unlock()

	entry := s.videoLog(job.VideoID).WithFields(logrus.Fields{"stage": job.Stage, "job_id": job.JobID})
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Newf(apperr.KindInfra, "pipeline.ExecuteStage", "panic: %v", r)
			entry.WithError(err).Error("Stage panicked")
			switch job.Stage {
			case jobs.StageAnalyze:
				s.fail(ctx, job.VideoID, models.StatusAnalyzing, err)
			case jobs.StageRender:
				s.fail(ctx, job.VideoID, models.StatusRendering, err)
			}
		}
	}()

	entry.Info("Stage started")
	switch job.Stage {
	case jobs.StageAnalyze:
		err = s.runAnalyze(ctx, entry, job.VideoID)
	case jobs.StageRender:
		err = s.runRender(ctx, entry, job.VideoID)
	case jobs.StageRegenerate:
		err = s.runRegenerate(ctx, entry, job.VideoID)
	default:
		err = apperr.Newf(apperr.KindValidation, "pipeline.ExecuteStage", "unknown stage %q", job.Stage)
	}
	if err != nil {
		entry.WithError(err).Warn("Stage failed")
		return err
	}
	entry.Info("Stage finished")
	return nil
}

func (s *Service) runAnalyze(ctx context.Context, entry *logrus.Entry, id string) error {
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if v.Status != models.StatusAnalyzing {
		// redelivered after the stage already finished
		entry.WithField("status", v.Status).Info("Video no longer analyzing, skipping")
		return nil
	}

	ctx, stop := s.keepFresh(ctx, entry, id, models.StatusAnalyzing)
	defer stop()
	err = s.analyze(ctx, v)
	if err != nil {
		s.fail(ctx, id, models.StatusAnalyzing, err)
	}
	return err
}

// keepFresh refreshes updated_at every RefreshEvery while a stage runs, so a
// watchdog in any process sees the stage as alive. If the video has left status
// in the meantime the returned context is cancelled and the stage abandons its work.
func (s *Service) keepFresh(ctx context.Context, entry *logrus.Entry, id string, status models.Status) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.RefreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := s.store.Transition(ctx, id, []models.Status{status}, status, nil)
			switch {
			case err == nil:
			case apperr.Is(err, apperr.KindConflict), apperr.Is(err, apperr.KindNotFound):
				entry.WithError(err).Warn("Video left the stage while it ran, abandoning")
				cancel()
				return
			case ctx.Err() == nil:
				entry.WithError(err).Warn("Refreshing stage heartbeat failed")
			}
		}
	}()
	return ctx, func() {
		close(done)
		wg.Wait()
		cancel()
	}
}

func (s *Service) analyze(ctx context.Context, v *models.Video) error {
	dir, cleanup, err := s.workDir("analyze", v.ID)
	if err != nil {
		return err
	}
	defer cleanup()

	ext := strings.ToLower(filepath.Ext(v.Filename))
	local := filepath.Join(dir, "source"+ext)
	if err := s.blobs.Fetch(ctx, v.OriginalLocation, local); err != nil {
		return err
	}

	a, err := s.ai.Analyze(ctx, local, allowedExtensions[ext])
	if err != nil {
		return err
	}
	_, err = s.store.Transition(ctx, v.ID, []models.Status{models.StatusAnalyzing}, models.StatusAnalyzed, db.Fields{
		models.FieldTranscript:        &a.Transcript,
		models.FieldVisualAnalysis:    &a.Visual,
		models.FieldGeneratedHeadline: &a.Headline,
		models.FieldGeneratedLocation: &a.Location,
		models.FieldErrorMessage:      nil,
	})
	return err
}

func (s *Service) runRender(ctx context.Context, entry *logrus.Entry, id string) error {
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if v.Status != models.StatusRendering {
		entry.WithField("status", v.Status).Info("Video no longer rendering, skipping")
		return nil
	}

	ctx, stop := s.keepFresh(ctx, entry, id, models.StatusRendering)
	defer stop()
	err = s.render(ctx, entry, v)
	if err != nil {
		s.fail(ctx, id, models.StatusRendering, err)
	}
	return err
}

func (s *Service) render(ctx context.Context, entry *logrus.Entry, v *models.Video) error {
	const op = "pipeline.render"
	dir, cleanup, err := s.workDir("render", v.ID)
	if err != nil {
		return err
	}
	defer cleanup()

	source := filepath.Join(dir, "source"+strings.ToLower(filepath.Ext(v.Filename)))
	if err := s.blobs.Fetch(ctx, v.OriginalLocation, source); err != nil {
		return err
	}
	info, err := s.media.Probe(ctx, source)
	if err != nil {
		return apperr.New(apperr.KindCollaborator, op, err)
	}
	plan, err := aspect.PlanConversion(info.Width, info.Height)
	if err != nil {
		return err
	}
	entry.WithFields(logrus.Fields{
		"source":   aspect.Resolution(info.Width, info.Height),
		"category": plan.Category,
		"strategy": plan.Strategy,
	}).Info("Aspect plan")

	converted := filepath.Join(dir, "converted.mp4")
	if err := s.media.Convert(ctx, ffmpeg.ConvertInput{
		Source:   source,
		Output:   converted,
		Plan:     plan,
		HasAudio: info.HasAudio,
	}); err != nil {
		return apperr.New(apperr.KindCollaborator, op, err)
	}

	overlayPath := filepath.Join(dir, "overlay.png")
	if err := s.renderer.RenderFile(overlay.RenderInput{
		TemplateID:   v.TemplateID,
		Headline:     v.FinalHeadline(),
		Location:     v.FinalLocation(),
		ShowLocation: v.ShowLocation,
		Width:        plan.TargetWidth,
		Height:       plan.TargetHeight,
	}, overlayPath); err != nil {
		return err
	}

	output := filepath.Join(dir, "output.mp4")
	res, err := s.composer.Compose(ctx, compositor.Input{
		VideoPath:   converted,
		OverlayPath: overlayPath,
		OutputPath:  output,
		HasAudio:    info.HasAudio,
	})
	if err != nil {
		return err
	}
	if res.Degraded() {
		entry.WithField("audio", res.Audio).Warn("Render finished with degraded audio")
	}

	f, err := os.Open(output)
	if err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return apperr.New(apperr.KindInfra, op, err)
	}
	key := path.Join(storage.ProcessedPrefix, v.ID, uuid.NewString()+".mp4")
	loc, err := s.blobs.Put(ctx, key, f)
	if err != nil {
		return err
	}

	_, err = s.store.Transition(ctx, v.ID, []models.Status{models.StatusRendering}, models.StatusCompleted, db.Fields{
		models.FieldProcessedLocation: loc,
		models.FieldProcessedSize:     st.Size(),
		models.FieldErrorMessage:      nil,
	})
	if err != nil {
		// the stage context may already be cancelled by keepFresh
		s.deleteBlob(context.WithoutCancel(ctx), entry, loc)
		return err
	}
	entry.WithFields(logrus.Fields{"locator": loc, "bytes": st.Size()}).Info("Render stored")
	return nil
}

// runRegenerate rewrites generated suggestions only; status and transcript stay as they are.
func (s *Service) runRegenerate(ctx context.Context, entry *logrus.Entry, id string) error {
	const op = "pipeline.regenerate"
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if v.Transcript == nil {
		return apperr.Newf(apperr.KindGuard, op, "video %s has no transcript", id)
	}
	headline, location, err := s.ai.Suggest(ctx, v.Transcript.Text)
	if err != nil {
		return err
	}
	if _, err := s.store.Update(ctx, id, db.Fields{
		models.FieldGeneratedHeadline: headline,
		models.FieldGeneratedLocation: location,
	}); err != nil {
		return err
	}
	entry.WithField("headline", headline.Primary).Info("Suggestions regenerated")
	return nil
}

// fail records a stage failure. A cancelled context means shutdown, not
// failure; the watchdog or a redelivery picks the video up again.
func (s *Service) fail(ctx context.Context, id string, from models.Status, cause error) {
	if ctx.Err() != nil {
		return
	}
	msg := errorMessage(cause)
	_, err := s.store.Transition(ctx, id, []models.Status{from}, models.StatusError, db.Fields{
		models.FieldErrorMessage: msg,
	})
	if err != nil {
		s.videoLog(id).WithError(err).Error("Could not record stage failure")
	}
}

func errorMessage(err error) string {
	msg := fmt.Sprintf("%s: %s", apperr.KindOf(err), err.Error())
	if utf8.RuneCountInString(msg) > maxErrorMessage {
		msg = string([]rune(msg)[:maxErrorMessage])
	}
	return msg
}

// workDir creates a scratch directory removed by the returned func.
func (s *Service) workDir(stage, id string) (string, func(), error) {
	if s.cfg.WorkDir != "" {
		if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
			return "", nil, apperr.New(apperr.KindInfra, "pipeline.workDir", err)
		}
	}
	dir, err := os.MkdirTemp(s.cfg.WorkDir, stage+"-"+id+"-*")
	if err != nil {
		return "", nil, apperr.New(apperr.KindInfra, "pipeline.workDir", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			s.videoLog(id).WithError(err).Warn("Could not remove work dir")
		}
	}, nil
}
