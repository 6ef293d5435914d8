// Package jobs carries pipeline stage work from the caller to a worker, either
// through the in-process pool or through the Redis queue.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/worker"
)

// Stage names a background pipeline step.
type Stage string

const (
	StageAnalyze    Stage = "analyze"
	StageRender     Stage = "render"
	StageRegenerate Stage = "regenerate"
)

func (s Stage) Valid() bool {
	switch s {
	case StageAnalyze, StageRender, StageRegenerate:
		return true
	}
	return false
}

// StageJob asks a worker to run one stage for one video.
type StageJob struct {
	JobID      string    `json:"job_id"`
	VideoID    string    `json:"video_id"`
	Stage      Stage     `json:"stage"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewStageJob stamps a fresh job id.
func NewStageJob(videoID string, stage Stage, now time.Time) StageJob {
	return StageJob{JobID: uuid.NewString(), VideoID: videoID, Stage: stage, EnqueuedAt: now}
}

// Decode parses a queued payload.
func Decode(payload []byte) (StageJob, error) {
	var job StageJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return StageJob{}, fmt.Errorf("decoding stage job: %w", err)
	}
	if job.VideoID == "" || !job.Stage.Valid() {
		return StageJob{}, fmt.Errorf("invalid stage job %q", payload)
	}
	return job, nil
}

// Executor runs a stage. Stage failures are recorded on the video; the
// returned error is for logging.
type Executor interface {
	ExecuteStage(ctx context.Context, job StageJob) error
}

// Dispatcher hands a stage job to whatever will run it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job StageJob) error
}

// task adapts a StageJob to worker.Job.
type task struct {
	job   StageJob
	exec  Executor
	after func(ctx context.Context, err error)
}

func (t *task) ID() string { return t.job.JobID }

func (t *task) Execute(ctx context.Context) error {
	err := t.exec.ExecuteStage(ctx, t.job)
	if t.after != nil {
		t.after(ctx, err)
	}
	return err
}

// LocalDispatcher runs stage jobs on the in-process worker pool.
type LocalDispatcher struct {
	pool *worker.Dispatcher
	exec Executor
}

func NewLocalDispatcher(pool *worker.Dispatcher, exec Executor) *LocalDispatcher {
	return &LocalDispatcher{pool: pool, exec: exec}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, job StageJob) error {
	err := d.pool.SubmitJob(&task{job: job, exec: d.exec})
	switch {
	case errors.Is(err, worker.ErrQueueFull):
		return apperr.New(apperr.KindTransient, "jobs.LocalDispatcher.Dispatch", err)
	case err != nil:
		return apperr.New(apperr.KindInfra, "jobs.LocalDispatcher.Dispatch", err)
	}
	return nil
}

// InlineDispatcher runs the stage before Dispatch returns. One-shot CLI
// commands use it when there is no shared queue to hand work to.
type InlineDispatcher struct {
	exec Executor
}

func NewInlineDispatcher(exec Executor) *InlineDispatcher {
	return &InlineDispatcher{exec: exec}
}

// Dispatch never fails: a failed stage is already recorded on the video.
func (d *InlineDispatcher) Dispatch(ctx context.Context, job StageJob) error {
	_ = d.exec.ExecuteStage(ctx, job)
	return nil
}
