package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

// staleReverts maps a stage status to the status the watchdog returns it to.
var staleReverts = []struct {
	from, to models.Status
}{
	{models.StatusAnalyzing, models.StatusUploaded},
	{models.StatusRendering, models.StatusAnalyzed},
}

// RecoverStale hands back videos stuck in analyzing or rendering for longer
// than StaleAfter, so the user can trigger the stage again. Videos with a stage
// running in this process are left alone.
func (s *Service) RecoverStale(ctx context.Context) ([]string, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	var reverted []string
	for _, r := range staleReverts {
		stale, err := s.store.ListByStatusBefore(ctx, r.from, cutoff)
		if err != nil {
			return reverted, err
		}
		for _, v := range stale {
			unlock, ok := s.locks.TryLock(v.ID)
			if !ok {
				continue
			}
			_, err := s.store.Transition(ctx, v.ID, []models.Status{r.from}, r.to, nil)
			unlock()
			switch {
			case err == nil:
				reverted = append(reverted, v.ID)
				s.videoLog(v.ID).WithFields(logrus.Fields{"from": r.from, "to": r.to}).Warn("Reverted stale stage")
			case apperr.Is(err, apperr.KindConflict), apperr.Is(err, apperr.KindNotFound):
				// moved on since it was listed
			default:
				return reverted, err
			}
		}
	}
	return reverted, nil
}

// SweepResult counts what a retention sweep did.
type SweepResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Sweep deletes completed videos older than Retention together with their blobs.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	expired, err := s.store.ListByStatusBefore(ctx, models.StatusCompleted, cutoff)
	if err != nil {
		return SweepResult{}, err
	}

	var deleted, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SweepConcurrency)
	for _, v := range expired {
		g.Go(func() error {
			if err := s.purge(gctx, v); err != nil {
				failed.Add(1)
				s.videoLog(v.ID).WithError(err).Warn("Could not purge expired video")
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Deleted: int(deleted.Load()), Failed: int(failed.Load())}
	s.log.WithFields(logrus.Fields{"deleted": res.Deleted, "failed": res.Failed}).Info("Retention sweep finished")
	return res, ctx.Err()
}

func (s *Service) purge(ctx context.Context, v *models.Video) error {
	unlock, ok := s.locks.TryLock(v.ID)
	if !ok {
		return apperr.Newf(apperr.KindConflict, "pipeline.purge", "video %s is busy", v.ID)
	}
	defer unlock()

	for _, loc := range []*string{v.ProcessedLocation, &v.OriginalLocation} {
		if loc == nil || *loc == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, *loc); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return err
		}
	}
	err := s.store.Delete(ctx, v.ID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	return err
}

// RunMaintenance runs the watchdog every watchdogEvery and the retention sweep
// every sweepEvery until ctx is done. A zero interval disables that job.
func (s *Service) RunMaintenance(ctx context.Context, watchdogEvery, sweepEvery time.Duration) {
	var watchdog, sweep <-chan time.Time
	if watchdogEvery > 0 {
		t := time.NewTicker(watchdogEvery)
		defer t.Stop()
		watchdog = t.C
	}
	if sweepEvery > 0 {
		t := time.NewTicker(sweepEvery)
		defer t.Stop()
		sweep = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-watchdog:
			if _, err := s.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("Watchdog failed")
			}
		case <-sweep:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("Retention sweep failed")
			}
		}
	}
}
