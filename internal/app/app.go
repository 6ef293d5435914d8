// Package app assembles the processor from configuration.
package app

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/aiclient"
	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/compositor"
	"videothingy/newsreel/internal/config"
	"videothingy/newsreel/internal/db"
	"videothingy/newsreel/internal/ffmpeg"
	"videothingy/newsreel/internal/jobs"
	"videothingy/newsreel/internal/models"
	"videothingy/newsreel/internal/overlay"
	"videothingy/newsreel/internal/pipeline"
	"videothingy/newsreel/internal/queue"
	"videothingy/newsreel/internal/server"
	"videothingy/newsreel/internal/storage"
	"videothingy/newsreel/internal/worker"
)

// Mode decides how stages are dispatched.
type Mode int

const (
	// ModeServe runs stages on the worker pool, fed by the Redis queue when one is configured.
	ModeServe Mode = iota
	// ModeCommand enqueues to Redis when configured, otherwise runs stages inline.
	ModeCommand
)

type App struct {
	Service *pipeline.Service

	cfg     *config.Config
	log     *logrus.Logger
	store   db.Store
	pool    *worker.Dispatcher
	queue   *queue.RedisQueue
	closers []func(context.Context) error
}

func New(ctx context.Context, cfg *config.Config, mode Mode, log *logrus.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	store, err := a.openStore(ctx, mode)
	if err != nil {
		return nil, err
	}
	a.store = store

	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}

	analyzer, err := a.openAnalyzer(ctx)
	if err != nil {
		return nil, err
	}

	tool := ffmpeg.NewTool(ffmpeg.NewExecRunner(log), cfg.Media.ProbeTimeout, log)
	fonts := overlay.NewFontBook(overlay.DefaultFontConfig(cfg.Media.FontsDir), log)

	svc := pipeline.New(pipeline.Deps{
		Store:    store,
		Blobs:    blobs,
		Analyzer: analyzer,
		Media:    tool,
		Renderer: overlay.NewRenderer(fonts, cfg.Media.LogoPath, log),
		Composer: compositor.New(tool, log),
	}, pipeline.Config{
		WorkDir:          cfg.Pipeline.WorkDir,
		MaxUploadBytes:   cfg.Pipeline.MaxUploadBytes,
		PresignTTL:       cfg.Pipeline.PresignTTL,
		StaleAfter:       cfg.Pipeline.StaleAfter,
		Retention:        cfg.Pipeline.Retention(),
		SweepConcurrency: cfg.Pipeline.SweepConcurrency,
	}, log)
	a.Service = svc

	if cfg.Queue.RedisURL != "" {
		rdb, err := queue.NewRedisClient(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		a.queue = queue.NewRedisQueue(rdb, cfg.Queue.Name, consumerID())
	}

	switch {
	case a.queue != nil:
		svc.SetDispatcher(jobs.NewRedisDispatcher(a.queue))
	case mode == ModeCommand:
		svc.SetDispatcher(jobs.NewInlineDispatcher(svc))
	default:
		a.pool = worker.NewDispatcher(cfg.Queue.Workers, cfg.Queue.Size, log)
		svc.SetDispatcher(jobs.NewLocalDispatcher(a.pool, svc))
	}
	if mode == ModeServe && a.pool == nil {
		a.pool = worker.NewDispatcher(cfg.Queue.Workers, cfg.Queue.Size, log)
	}

	log.WithFields(logrus.Fields{
		"store":  cfg.Store.Backend,
		"blobs":  cfg.Blobs.Backend,
		"queue":  a.queue != nil,
		"models": cfg.AI.Models,
	}).Info("Processor assembled")
	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context, mode Mode) (db.Store, error) {
	switch a.cfg.Store.Backend {
	case config.StoreFile:
		return db.NewFileStore(a.cfg.RecordsDir())
	case config.StorePostgrest:
		client, err := db.NewPostgrestClient(a.cfg.Supabase.URL, a.cfg.Supabase.ServiceKey)
		if err != nil {
			return nil, err
		}
		return db.NewPostgrestStore(client, a.log), nil
	case config.StoreMongo:
		client, err := db.ConnectMongo(ctx, a.cfg.Store.MongoURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Disconnect)
		store := db.NewMongoStore(client, a.cfg.Store.MongoDatabase)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		if mode == ModeCommand {
			return nil, apperr.Newf(apperr.KindValidation, "app.New",
				"store %q does not keep records between commands; use %q, %q or %q",
				a.cfg.Store.Backend, config.StoreFile, config.StorePostgrest, config.StoreMongo)
		}
		a.log.Warn("Using the in-memory store; records are lost on exit")
		return db.NewMemoryStore(), nil
	}
}

func (a *App) openBlobs(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Blobs.Backend {
	case config.BlobsSupabase:
		client, err := storage.NewSupabaseClient(a.cfg.Supabase.URL, a.cfg.Supabase.ServiceKey)
		if err != nil {
			return nil, err
		}
		return storage.NewSupabaseStore(client, a.cfg.Supabase.URL, a.cfg.Blobs.Bucket), nil
	case config.BlobsGCS:
		client, err := storage.NewGCSClient(ctx, a.cfg.Blobs.GCSCredentials)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		return storage.NewGCSStore(client, a.cfg.Blobs.Bucket), nil
	default:
		return storage.NewLocalStore(a.cfg.Blobs.LocalDir)
	}
}

func (a *App) openAnalyzer(ctx context.Context) (aiclient.Analyzer, error) {
	if a.cfg.AI.APIKey == "" {
		a.log.Warn("GEMINI_API_KEY is not set; analysis stages will fail")
		return unconfiguredAnalyzer{}, nil
	}
	return aiclient.New(ctx, a.cfg.AI.APIKey, aiclient.Options{
		Models:       a.cfg.AI.Models,
		PollInterval: a.cfg.AI.PollInterval,
		PollTimeout:  a.cfg.AI.PollTimeout,
		Backoff:      a.cfg.AI.Backoff,
	}, a.log)
}

type unconfiguredAnalyzer struct{}

var errNoAPIKey = errors.New("GEMINI_API_KEY is not configured")

func (unconfiguredAnalyzer) Analyze(context.Context, string, string) (*aiclient.Analysis, error) {
	return nil, apperr.New(apperr.KindCollaborator, "aiclient.Analyze", errNoAPIKey)
}

func (unconfiguredAnalyzer) Suggest(context.Context, string) (*models.GeneratedHeadline, *models.GeneratedLocation, error) {
	return nil, nil, apperr.New(apperr.KindCollaborator, "aiclient.Suggest", errNoAPIKey)
}

// consumerID names this process's processing list on the shared queue.
func consumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "processor"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Serve runs workers, the queue consumer, maintenance and the ops server
// until ctx is cancelled, then drains in-flight stages.
func (a *App) Serve(ctx context.Context) error {
	a.pool.Run(ctx)

	errCh := make(chan error, 2)
	if a.queue != nil {
		consumer := jobs.NewConsumer(a.queue, a.pool, a.Service, a.log)
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}()
	}
	go a.Service.RunMaintenance(ctx, a.cfg.Pipeline.WatchdogEvery, a.cfg.Pipeline.SweepEvery)

	srv := server.New(server.Options{Checks: a.checks(), Stats: a.stats}, a.log)
	go func() {
		if err := srv.Listen(a.cfg.HTTP.Addr()); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.WithError(runErr).Error("Processor component failed")
	}

	a.log.Info("Shutting down processor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("Ops server shutdown failed")
	}
	a.pool.Stop()
	a.log.Info("Processor shut down gracefully.")
	return runErr
}

func (a *App) checks() map[string]server.Check {
	checks := map[string]server.Check{"store": a.store.Ping}
	if a.queue != nil {
		checks["queue"] = a.queue.Ping
	}
	return checks
}

func (a *App) stats(ctx context.Context) server.Stats {
	st := server.Stats{Active: a.pool.Active(), Queued: a.pool.QueueDepth()}
	if a.queue != nil {
		if depth, err := a.queue.Depth(ctx); err == nil {
			st.QueueDepth = depth
		}
	}
	return st
}

// Close releases connections in reverse order of opening.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.WithError(err).Warn("Close failed")
		}
	}
	a.closers = nil
}
