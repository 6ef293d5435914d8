package app

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/config"
	"videothingy/newsreel/internal/models"
	"videothingy/newsreel/internal/pipeline"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Blobs.LocalDir = t.TempDir()
	cfg.Pipeline.WorkDir = t.TempDir()
	cfg.Media.FontsDir = t.TempDir()
	cfg.Media.LogoPath = ""
	return cfg
}

func TestCommandModeRunsStagesInline(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), ModeCommand, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)

	v, err := a.Service.Upload(ctx, pipeline.UploadRequest{
		Filename: "clip.mp4",
		Body:     strings.NewReader("not really a video"),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := a.Service.Analyze(ctx, v.ID); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	// without an API key the stage fails and is recorded on the video
	got, err := a.Service.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusError || got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "GEMINI_API_KEY") {
		t.Fatalf("after analyze: status=%s message=%v", got.Status, got.ErrorMessage)
	}
}

func TestServeModeBuildsPool(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), ModeServe, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)
	if a.pool == nil {
		t.Fatal("serve mode needs a worker pool")
	}
	if _, ok := a.checks()["store"]; !ok {
		t.Fatal("store readiness check missing")
	}
	if st := a.stats(ctx); st.Active != 0 || st.Queued != 0 {
		t.Fatalf("idle stats: got=%+v", st)
	}
}

func TestRecordsSurviveBetweenCommands(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := New(ctx, cfg, ModeCommand, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := first.Service.Upload(ctx, pipeline.UploadRequest{
		Filename: "clip.mp4",
		Body:     strings.NewReader("not really a video"),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	first.Close(ctx)

	second, err := New(ctx, cfg, ModeCommand, newTestLogger())
	if err != nil {
		t.Fatalf("New for second command: %v", err)
	}
	defer second.Close(ctx)

	got, err := second.Service.Get(ctx, v.ID)
	if err != nil {
		t.Fatalf("Get in second command: %v", err)
	}
	if got.Status != models.StatusUploaded || got.OriginalLocation != v.OriginalLocation {
		t.Fatalf("record after reopen: status=%s location=%q", got.Status, got.OriginalLocation)
	}
	if _, err := second.Service.Analyze(ctx, v.ID); err != nil {
		t.Fatalf("Analyze in second command: %v", err)
	}
}

func TestCommandModeRejectsMemoryStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Backend = config.StoreMemory

	if _, err := New(ctx, cfg, ModeCommand, newTestLogger()); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("command mode with memory store: want validation error got=%v", err)
	}

	a, err := New(ctx, cfg, ModeServe, newTestLogger())
	if err != nil {
		t.Fatalf("serve mode with memory store: %v", err)
	}
	a.Close(ctx)
}
