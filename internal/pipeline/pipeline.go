// Package pipeline owns the video state machine: it validates requests,
// guards transitions, hands stages to workers and runs them.
//
//	uploaded --Analyze--> analyzing --> analyzed --Render--> rendering --> completed
//	                          |                                  |            |
//	                          +--------------> error <-----------+     Render again
//
// Every transition is a conditional write in the store, so concurrent callers
// cannot both win.
package pipeline

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/aiclient"
	"videothingy/newsreel/internal/compositor"
	"videothingy/newsreel/internal/db"
	"videothingy/newsreel/internal/ffmpeg"
	"videothingy/newsreel/internal/jobs"
	"videothingy/newsreel/internal/overlay"
	"videothingy/newsreel/internal/storage"
)

// MediaTool probes and converts video files.
type MediaTool interface {
	Probe(ctx context.Context, path string) (ffmpeg.ProbeInfo, error)
	Convert(ctx context.Context, in ffmpeg.ConvertInput) error
}

// Composer burns an overlay into a video.
type Composer interface {
	Compose(ctx context.Context, in compositor.Input) (compositor.Result, error)
}

// OverlayRenderer draws a template overlay to a PNG file.
type OverlayRenderer interface {
	RenderFile(in overlay.RenderInput, path string) error
}

type Config struct {
	// WorkDir holds per-stage scratch directories; empty means the OS temp dir.
	WorkDir        string
	MaxUploadBytes int64
	PresignTTL     time.Duration
	// StaleAfter is how long a video may sit in analyzing or rendering before
	// the watchdog hands it back.
	StaleAfter time.Duration
	// RefreshEvery is how often a running stage refreshes updated_at; it
	// defaults to a third of StaleAfter and must stay below it.
	RefreshEvery time.Duration
	// Retention is how long completed videos are kept.
	Retention        time.Duration
	SweepConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.RefreshEvery <= 0 || c.RefreshEvery >= c.StaleAfter {
		c.RefreshEvery = c.StaleAfter / 3
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
	return c
}

// Deps are the collaborators a Service runs against.
type Deps struct {
	Store    db.Store
	Blobs    storage.BlobStore
	Analyzer aiclient.Analyzer
	Media    MediaTool
	Renderer OverlayRenderer
	Composer Composer
}

type Service struct {
	store      db.Store
	blobs      storage.BlobStore
	ai         aiclient.Analyzer
	media      MediaTool
	renderer   OverlayRenderer
	composer   Composer
	dispatcher jobs.Dispatcher

	cfg      Config
	validate *validator.Validate
	locks    *keyedMutex
	now      func() time.Time
	log      *logrus.Logger
}

func New(deps Deps, cfg Config, log *logrus.Logger) *Service {
	return &Service{
		store:    deps.Store,
		blobs:    deps.Blobs,
		ai:       deps.Analyzer,
		media:    deps.Media,
		renderer: deps.Renderer,
		composer: deps.Composer,
		cfg:      cfg.withDefaults(),
		validate: newValidator(),
		locks:    newKeyedMutex(),
		now:      time.Now,
		log:      log,
	}
}

// SetDispatcher wires the stage dispatcher. The dispatcher usually wraps the
// Service itself as its executor, hence the two-step setup.
func (s *Service) SetDispatcher(d jobs.Dispatcher) {
	s.dispatcher = d
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) videoLog(id string) *logrus.Entry {
	return s.log.WithField("video_id", id)
}
