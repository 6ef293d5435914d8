package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/draw"
	"image/png"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/aiclient"
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

var t0 = time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeAnalyzer struct {
	analysis *aiclient.Analysis
	err      error
	suggest  *models.GeneratedHeadline
}

func (f *fakeAnalyzer) Analyze(context.Context, string, string) (*aiclient.Analysis, error) {
	if f.err != nil {
		return nil, f.err
	}
	a := *f.analysis
	return &a, nil
}

func (f *fakeAnalyzer) Suggest(context.Context, string) (*models.GeneratedHeadline, *models.GeneratedLocation, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.suggest, &models.GeneratedLocation{Source: models.LocationFromNone}, nil
}

type fakeMedia struct {
	info     ffmpeg.ProbeInfo
	probeErr error
	mu       sync.Mutex
	plans    []aspect.Plan
}

func (f *fakeMedia) Probe(context.Context, string) (ffmpeg.ProbeInfo, error) {
	return f.info, f.probeErr
}

func (f *fakeMedia) Convert(_ context.Context, in ffmpeg.ConvertInput) error {
	f.mu.Lock()
	f.plans = append(f.plans, in.Plan)
	f.mu.Unlock()
	return os.WriteFile(in.Output, []byte("converted"), 0o644)
}

// fakeComposer keeps a copy of every overlay it was given. With hold set it
// signals started and waits for hold to close before writing the output.
type fakeComposer struct {
	mu       sync.Mutex
	overlays [][]byte
	err      error
	started  chan struct{}
	hold     chan struct{}
}

func (f *fakeComposer) Compose(ctx context.Context, in compositor.Input) (compositor.Result, error) {
	data, err := os.ReadFile(in.OverlayPath)
	if err != nil {
		return compositor.Result{}, err
	}
	if f.hold != nil {
		close(f.started)
		select {
		case <-f.hold:
		case <-ctx.Done():
			return compositor.Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.overlays = append(f.overlays, data)
	f.mu.Unlock()
	if f.err != nil {
		return compositor.Result{}, apperr.New(apperr.KindCollaborator, "fake.Compose", f.err)
	}
	if err := os.WriteFile(in.OutputPath, []byte("final video bytes"), 0o644); err != nil {
		return compositor.Result{}, err
	}
	return compositor.Result{Audio: ffmpeg.AudioCopy, Attempts: []compositor.Attempt{{Audio: ffmpeg.AudioCopy}}}, nil
}

func (f *fakeComposer) lastOverlay(t *testing.T) *image.RGBA {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.overlays) == 0 {
		t.Fatal("no overlay composed")
	}
	img, err := png.Decode(bytes.NewReader(f.overlays[len(f.overlays)-1]))
	if err != nil {
		t.Fatalf("decode overlay: %v", err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, image.Point{}, draw.Src)
	return rgba
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []jobs.StageJob
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job jobs.StageJob) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) last(t *testing.T) jobs.StageJob {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.jobs) == 0 {
		t.Fatal("nothing dispatched")
	}
	return d.jobs[len(d.jobs)-1]
}

type harness struct {
	svc      *Service
	store    *db.MemoryStore
	blobs    *storage.LocalStore
	ai       *fakeAnalyzer
	media    *fakeMedia
	composer *fakeComposer
	disp     *recordingDispatcher
	workDir  string
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := newTestLogger()
	blobs, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	renderer := overlay.NewRenderer(overlay.NewFontBook(overlay.FontConfig{}, log), "", log)
	renderer.SetClock(func() time.Time { return t0 })

	h := &harness{
		store: db.NewMemoryStore(),
		blobs: blobs,
		ai: &fakeAnalyzer{analysis: &aiclient.Analysis{
			Transcript: models.Transcript{Text: "A fire broke out in the Chennai market", Language: "en", LanguageConfidence: 0.9, HasSignificantAudio: true},
			Headline:   models.GeneratedHeadline{Primary: "Fire breaks out in market", Alternatives: []string{}, Confidence: 0.8, Tone: "urgent"},
			Location:   models.GeneratedLocation{Text: models.StringPtr("Chennai, Tamil Nadu"), Confidence: 0.9, Source: models.LocationFromTranscript},
		}},
		media:    &fakeMedia{info: ffmpeg.ProbeInfo{Width: 1920, Height: 1080, Duration: 12.5, VideoCodec: "h264", AudioCodec: "aac", HasAudio: true}},
		composer: &fakeComposer{},
		disp:     &recordingDispatcher{},
		workDir:  t.TempDir(),
		clock:    t0,
	}
	h.store.SetClock(func() time.Time { return h.clock })
	h.svc = New(Deps{
		Store:    h.store,
		Blobs:    blobs,
		Analyzer: h.ai,
		Media:    h.media,
		Renderer: renderer,
		Composer: h.composer,
	}, Config{WorkDir: h.workDir}, log)
	h.svc.SetClock(func() time.Time { return h.clock })
	h.svc.SetDispatcher(h.disp)
	return h
}

func (h *harness) upload(t *testing.T) *models.Video {
	t.Helper()
	v, err := h.svc.Upload(context.Background(), UploadRequest{
		Filename:    "market fire.MP4",
		ContentType: "video/mp4",
		Body:        strings.NewReader("fake video bytes"),
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return v
}

// runLast executes the most recently dispatched stage synchronously.
func (h *harness) runLast(t *testing.T) error {
	t.Helper()
	return h.svc.ExecuteStage(context.Background(), h.disp.last(t))
}

func (h *harness) analyzed(t *testing.T) *models.Video {
	t.Helper()
	v := h.upload(t)
	if _, err := h.svc.Analyze(context.Background(), v.ID); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if err := h.runLast(t); err != nil {
		t.Fatalf("analyze stage: %v", err)
	}
	return h.get(t, v.ID)
}

func (h *harness) get(t *testing.T, id string) *models.Video {
	t.Helper()
	v, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return v
}

func (h *harness) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("work dir not cleaned: %d entries left", len(entries))
	}
}

func TestUploadCreatesRecord(t *testing.T) {
	h := newHarness(t)
	v := h.upload(t)

	if v.Status != models.StatusUploaded {
		t.Fatalf("status: want=%s got=%s", models.StatusUploaded, v.Status)
	}
	if v.Filename != v.ID+".mp4" || v.OriginalFilename != "market fire.MP4" {
		t.Fatalf("filenames: got=%q %q", v.Filename, v.OriginalFilename)
	}
	if v.TemplateID != models.Template1 || !v.ShowLocation {
		t.Fatalf("defaults: template=%s show=%v", v.TemplateID, v.ShowLocation)
	}
	if v.Resolution == nil || *v.Resolution != "1920x1080" || v.DurationSeconds == nil || *v.DurationSeconds != 12.5 {
		t.Fatalf("probe fields: resolution=%v duration=%v", v.Resolution, v.DurationSeconds)
	}
	if v.FileSizeBytes != int64(len("fake video bytes")) {
		t.Fatalf("size: got=%d", v.FileSizeBytes)
	}
	if v.Transcript != nil || v.GeneratedHeadline != nil || v.GeneratedLocation != nil || v.ProcessedLocation != nil {
		t.Fatalf("analysis fields set on upload: %+v", v)
	}
	if _, err := os.Stat(v.OriginalLocation); err != nil {
		t.Fatalf("original blob: %v", err)
	}
	h.assertWorkDirEmpty(t)
}

func TestUploadProbeFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.media.probeErr = errors.New("ffprobe missing")
	v := h.upload(t)
	if v.Resolution != nil || v.DurationSeconds != nil {
		t.Fatalf("probe fields should stay empty: %+v", v)
	}
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.MaxUploadBytes = 10
	short := "Hi"
	bad := models.TemplateID("template9")
	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"extension", UploadRequest{Filename: "clip.gif", Body: strings.NewReader("x")}},
		{"no extension", UploadRequest{Filename: "clip", Body: strings.NewReader("x")}},
		{"content type", UploadRequest{Filename: "clip.mp4", ContentType: "image/png", Body: strings.NewReader("x")}},
		{"declared size", UploadRequest{Filename: "clip.mp4", Size: 11, Body: strings.NewReader("x")}},
		{"actual size", UploadRequest{Filename: "clip.mp4", Body: strings.NewReader("01234567890")}},
		{"empty body", UploadRequest{Filename: "clip.mp4", Body: strings.NewReader("")}},
		{"nil body", UploadRequest{Filename: "clip.mp4"}},
		{"short headline", UploadRequest{Filename: "clip.mp4", Headline: &short, Body: strings.NewReader("x")}},
		{"template", UploadRequest{Filename: "clip.mp4", TemplateID: bad, Body: strings.NewReader("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Upload(context.Background(), tt.req)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("want validation error got=%v", err)
			}
		})
	}

	// the upload content type may carry parameters and octet-stream falls back to the extension
	for _, ct := range []string{"video/webm; codecs=vp9", "application/octet-stream", ""} {
		if _, err := h.svc.Upload(context.Background(), UploadRequest{Filename: "clip.webm", ContentType: ct, Body: strings.NewReader("x")}); err != nil {
			t.Fatalf("content type %q: %v", ct, err)
		}
	}
	h.assertWorkDirEmpty(t)
}

func TestAnalyzeRejectedUnlessUploaded(t *testing.T) {
	h := newHarness(t)
	v := h.analyzed(t)
	before := h.get(t, v.ID)
	h.clock = h.clock.Add(time.Minute)

	_, err := h.svc.Analyze(context.Background(), v.ID)
	if !apperr.Is(err, apperr.KindGuard) {
		t.Fatalf("Analyze on analyzed: want guard got=%v", err)
	}
	after := h.get(t, v.ID)
	if after.Status != models.StatusAnalyzed || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("record mutated: before=%+v after=%+v", before, after)
	}
	if _, err := h.svc.Analyze(context.Background(), "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("Analyze on missing: want not_found got=%v", err)
	}
}

func TestRenderRejectedWhileUploaded(t *testing.T) {
	h := newHarness(t)
	v := h.upload(t)
	h.clock = h.clock.Add(time.Minute)

	_, err := h.svc.Render(context.Background(), v.ID, RenderRequest{Headline: models.StringPtr("A brand new headline")})
	if !apperr.Is(err, apperr.KindGuard) {
		t.Fatalf("Render on uploaded: want guard got=%v", err)
	}
	after := h.get(t, v.ID)
	if after.Status != models.StatusUploaded || after.UserHeadline != nil || !after.UpdatedAt.Equal(v.UpdatedAt) {
		t.Fatalf("record mutated: %+v", after)
	}
	if len(h.disp.jobs) != 0 {
		t.Fatalf("stage dispatched: %+v", h.disp.jobs)
	}
}

func TestEndToEndCropRenderIsRepeatable(t *testing.T) {
	h := newHarness(t)
	v := h.analyzed(t)
	if v.Status != models.StatusAnalyzed || !v.HasAnalysis() {
		t.Fatalf("after analysis: %+v", v)
	}

	req := RenderRequest{
		Headline:     models.StringPtr("Fire breaks out in market"),
		Location:     models.StringPtr("Chennai, Tamil Nadu"),
		ShowLocation: func() *bool { b := true; return &b }(),
		TemplateID:   func() *models.TemplateID { id := models.Template1; return &id }(),
	}
	rv, err := h.svc.Render(context.Background(), v.ID, req)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rv.Status != models.StatusRendering || rv.UserHeadline == nil || *rv.UserHeadline != "Fire breaks out in market" {
		t.Fatalf("render not persisted: %+v", rv)
	}
	if err := h.runLast(t); err != nil {
		t.Fatalf("render stage: %v", err)
	}

	done := h.get(t, v.ID)
	if done.Status != models.StatusCompleted || done.ProcessedLocation == nil {
		t.Fatalf("after render: %+v", done)
	}
	plan := h.media.plans[0]
	if plan.Strategy != aspect.StrategyCrop || plan.TargetWidth != 1080 || plan.TargetHeight != 1920 {
		t.Fatalf("plan: got=%+v", plan)
	}
	img := h.composer.lastOverlay(t)
	if img.RGBAAt(100, overlay.CanvasHeight-440).A == 0 {
		t.Fatal("headline region is empty")
	}
	if img.RGBAAt(overlay.CanvasWidth/2, overlay.CanvasHeight-155).A == 0 {
		t.Fatal("location pill is missing")
	}
	firstBlob := *done.ProcessedLocation

	// rendering a completed video again yields the same overlay and replaces the output
	if _, err := h.svc.Render(context.Background(), v.ID, req); err != nil {
		t.Fatalf("re-Render: %v", err)
	}
	if _, err := os.Stat(firstBlob); !os.IsNotExist(err) {
		t.Fatalf("previous output not removed: %v", err)
	}
	if err := h.runLast(t); err != nil {
		t.Fatalf("second render stage: %v", err)
	}
	if !bytes.Equal(h.composer.overlays[0], h.composer.overlays[1]) {
		t.Fatal("overlay bytes differ between identical renders")
	}

	out, err := h.svc.Output(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out.Resolution != "1080x1920" || out.AspectRatio != "9:16" || !strings.HasPrefix(out.DownloadURL, "file://") {
		t.Fatalf("output view: %+v", out)
	}
	if out.Headline != "Fire breaks out in market" || out.Location == nil || *out.Location != "Chennai, Tamil Nadu" {
		t.Fatalf("output metadata: %+v", out)
	}
	h.assertWorkDirEmpty(t)
}

func TestAnalyzeFailureThenRenderRejected(t *testing.T) {
	h := newHarness(t)
	h.ai.err = apperr.Newf(apperr.KindCollaborator, "ai", "model rejected the file")
	v := h.upload(t)
	if _, err := h.svc.Analyze(context.Background(), v.ID); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if err := h.runLast(t); err == nil {
		t.Fatal("analyze stage: want error")
	}

	failed := h.get(t, v.ID)
	if failed.Status != models.StatusError || failed.ErrorMessage == nil || !strings.Contains(*failed.ErrorMessage, "model rejected the file") {
		t.Fatalf("after failure: status=%s message=%v", failed.Status, failed.ErrorMessage)
	}
	if _, err := h.svc.Render(context.Background(), v.ID, RenderRequest{}); !apperr.Is(err, apperr.KindGuard) {
		t.Fatalf("Render after failure: want guard got=%v", err)
	}
	if _, err := h.svc.Analysis(context.Background(), v.ID); !apperr.Is(err, apperr.KindGuard) {
		t.Fatalf("Analysis after failure: want guard got=%v", err)
	}

	retried, err := h.svc.Retry(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != models.StatusUploaded || retried.ErrorMessage != nil {
		t.Fatalf("after retry: %+v", retried)
	}
	h.assertWorkDirEmpty(t)
}

func TestRenderWithoutLocationOmitsPill(t *testing.T) {
	h := newHarness(t)
	h.ai.analysis.Location = models.GeneratedLocation{Confidence: 0.1, Source: models.LocationFromNone}
	v := h.analyzed(t)
	if v.FinalLocation() != nil {
		t.Fatalf("final location: got=%v", *v.FinalLocation())
	}

	show := true
	if _, err := h.svc.Render(context.Background(), v.ID, RenderRequest{ShowLocation: &show}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := h.runLast(t); err != nil {
		t.Fatalf("render stage: %v", err)
	}
	img := h.composer.lastOverlay(t)
	if a := img.RGBAAt(overlay.CanvasWidth/2, overlay.CanvasHeight-155).A; a != 0 {
		t.Fatalf("pill drawn without a location, alpha=%d", a)
	}
	if img.RGBAAt(100, overlay.CanvasHeight-440).A == 0 {
		t.Fatal("headline region is empty")
	}
}

func TestRenderFailureRecordsErrorAndRetryKeepsAnalysis(t *testing.T) {
	h := newHarness(t)
	h.composer.err = errors.New("encoder crashed")
	v := h.analyzed(t)

	if _, err := h.svc.Render(context.Background(), v.ID, RenderRequest{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := h.runLast(t); err == nil {
		t.Fatal("render stage: want error")
	}
	failed := h.get(t, v.ID)
	if failed.Status != models.StatusError || failed.ProcessedLocation != nil || failed.ErrorMessage == nil {
		t.Fatalf("after failure: %+v", failed)
	}
	if !strings.HasPrefix(*failed.ErrorMessage, "collaborator:") {
		t.Fatalf("error message: got=%q", *failed.ErrorMessage)
	}

	retried, err := h.svc.Retry(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != models.StatusAnalyzed || retried.Transcript == nil {
		t.Fatalf("after retry: %+v", retried)
	}
	if _, err := h.svc.Retry(context.Background(), v.ID); !apperr.Is(err, apperr.KindGuard) {
		t.Fatalf("second Retry: want guard got=%v", err)
	}
	h.assertWorkDirEmpty(t)
}

func TestConcurrentRenderHasOneWinner(t *testing.T) {
	h := newHarness(t)
	v := h.analyzed(t)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Render(context.Background(), v.ID, RenderRequest{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !apperr.Is(err, apperr.KindGuard):
			t.Fatalf("loser: want guard got=%v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners: want=%d got=%d", 1, wins)
	}
}

func TestRedeliveredStageIsSkipped(t *testing.T) {
	h := newHarness(t)
	v := h.analyzed(t)
	job := jobs.NewStageJob(v.ID, jobs.StageAnalyze, h.clock)
	if err := h.svc.ExecuteStage(context.Background(), job); err != nil {
		t.Fatalf("redelivered analyze: %v", err)
	}
	if got := h.get(t, v.ID); got.Status != models.StatusAnalyzed {
		t.Fatalf("status: want=%s got=%s", models.StatusAnalyzed, got.Status)
	}
}

func TestDispatchFailureRevertsStatus(t *testing.T) {
	h := newHarness(t)
	v := h.upload(t)
	h.disp.err = apperr.Newf(apperr.KindTransient, "dispatch", "queue full")

	if _, err := h.svc.Analyze(context.Background(), v.ID); !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("Analyze: want transient got=%v", err)
	}
	if got := h.get(t, v.ID); got.Status != models.StatusUploaded {
		t.Fatalf("status: want=%s got=%s", models.StatusUploaded, got.Status)
	}
}

func TestUpdateMetadata(t *testing.T) {
	h := newHarness(t)
	v := h.analyzed(t)
	hide := false
	tpl := models.Template3

	got, err := h.svc.UpdateMetadata(context.Background(), v.ID, MetadataRequest{
		Headline:     models.StringPtr("  Market fire contained  "),
		Location:     models.StringPtr("Madurai"),
		ShowLocation: &hide,
		TemplateID:   &tpl,
	})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if got.Status != models.StatusAnalyzed {
		t.Fatalf("status changed: %s", got.Status)
	}
	if got.FinalHeadline() != "Market fire contained" || *got.FinalLocation() != "Madurai" || got.ShowLocation || got.TemplateID != models.Template3 {
		t.Fatalf("overrides: %+v", got)
	}

	got, err = h.svc.UpdateMetadata(context.Background(), v.ID, MetadataRequest{Headline: models.StringPtr("")})
	if err != nil {
		t.Fatalf("clear headline: %v", err)
	}
	if got.UserHeadline != nil || got.FinalHeadline() != "Fire breaks out in market" {
		t.Fatalf("after clear: user=%v final=%q", got.UserHeadline, got.FinalHeadline())
	}

	for name, req := range map[string]MetadataRequest{
		"empty":    {},
		"short":    {Headline: models.StringPtr("Hey")},
		"long":     {Location: models.StringPtr(strings.Repeat("x", 51))},
		"template": {TemplateID: func() *models.TemplateID { id := models.TemplateID("nope"); return &id }()},
	} {
		if _, err := h.svc.UpdateMetadata(context.Background(), v.ID, req); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("%s: want validation got=%v", name, err)
		}
	}
}

func TestStatusAndAnalysisViews(t *testing.T) {
	h := newHarness(t)
	v := h.upload(t)

	st, err := h.svc.Status(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Progress != 10 || st.Stage != "upload" {
		t.Fatalf("status view: %+v", st)
	}
	if _, err := h.svc.Analysis(context.Background(), v.ID); !apperr.Is(err, apperr.KindGuard) {
		t.Fatalf("Analysis while uploaded: want guard got=%v", err)
	}
	if _, err := h.svc.Output(context.Background(), v.ID); !apperr.Is(err, apperr.KindGuard) {
		t.Fatalf("Output while uploaded: want guard got=%v", err)
	}

	v = h.analyzed(t)
	view, err := h.svc.Analysis(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("Analysis: %v", err)
	}
	if view.FinalHeadline != "Fire breaks out in market" || view.FinalLocation == nil || view.Transcript == nil {
		t.Fatalf("analysis view: %+v", view)
	}
}

func TestRegenerateKeepsTranscriptAndStatus(t *testing.T) {
	h := newHarness(t)
	v := h.analyzed(t)
	h.ai.suggest = &models.GeneratedHeadline{Primary: "Blaze guts Chennai market", Alternatives: []string{}, Confidence: 0.7, Tone: "urgent"}

	if _, err := h.svc.Regenerate(context.Background(), v.ID); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if err := h.runLast(t); err != nil {
		t.Fatalf("regenerate stage: %v", err)
	}
	got := h.get(t, v.ID)
	if got.Status != models.StatusAnalyzed || got.GeneratedHeadline.Primary != "Blaze guts Chennai market" {
		t.Fatalf("after regenerate: %+v", got)
	}
	if got.Transcript.Text != v.Transcript.Text {
		t.Fatalf("transcript changed: %q", got.Transcript.Text)
	}

	up := h.upload(t)
	if _, err := h.svc.Regenerate(context.Background(), up.ID); !apperr.Is(err, apperr.KindGuard) {
		t.Fatalf("Regenerate while uploaded: want guard got=%v", err)
	}
}

func TestRecoverStale(t *testing.T) {
	h := newHarness(t)
	stuck := h.upload(t)
	if _, err := h.svc.Analyze(context.Background(), stuck.ID); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	rendering := h.analyzed(t)
	if _, err := h.svc.Render(context.Background(), rendering.ID, RenderRequest{}); err != nil {
		t.Fatalf("Render: %v", err)
	}

	h.clock = h.clock.Add(10 * time.Minute)
	fresh, err := h.svc.RecoverStale(context.Background())
	if err != nil || len(fresh) != 0 {
		t.Fatalf("RecoverStale before cutoff: reverted=%v err=%v", fresh, err)
	}

	h.clock = h.clock.Add(time.Hour)
	reverted, err := h.svc.RecoverStale(context.Background())
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if len(reverted) != 2 {
		t.Fatalf("reverted: want=2 got=%v", reverted)
	}
	if got := h.get(t, stuck.ID).Status; got != models.StatusUploaded {
		t.Fatalf("analyzing video: want=%s got=%s", models.StatusUploaded, got)
	}
	if got := h.get(t, rendering.ID).Status; got != models.StatusAnalyzed {
		t.Fatalf("rendering video: want=%s got=%s", models.StatusAnalyzed, got)
	}
}

func TestSweepDeletesExpiredCompletedVideos(t *testing.T) {
	h := newHarness(t)
	old := h.analyzed(t)
	if _, err := h.svc.Render(context.Background(), old.ID, RenderRequest{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if err := h.runLast(t); err != nil {
		t.Fatalf("render stage: %v", err)
	}
	old = h.get(t, old.ID)

	h.clock = h.clock.Add(8 * 24 * time.Hour)
	recent := h.analyzed(t)

	res, err := h.svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Deleted != 1 || res.Failed != 0 {
		t.Fatalf("sweep result: %+v", res)
	}
	if _, err := h.store.Get(context.Background(), old.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expired record: want not_found got=%v", err)
	}
	for _, loc := range []string{old.OriginalLocation, *old.ProcessedLocation} {
		if _, err := os.Stat(loc); !os.IsNotExist(err) {
			t.Fatalf("blob %s survived the sweep: %v", loc, err)
		}
	}
	if _, err := h.store.Get(context.Background(), recent.ID); err != nil {
		t.Fatalf("recent record: %v", err)
	}
}

// lockedClock is a clock shared with background goroutines.
type lockedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *lockedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *lockedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// startHeldRender queues a render, runs it in the background and returns once
// the composer is holding. Other processes are simulated by a second Service on
// the same store, which shares no in-process locks with the first.
func startHeldRender(t *testing.T, h *harness, clk *lockedClock) (v *models.Video, other *Service, errc chan error) {
	t.Helper()
	v = h.analyzed(t)
	h.store.SetClock(clk.Now)
	h.svc.SetClock(clk.Now)
	h.svc.cfg.RefreshEvery = 5 * time.Millisecond
	h.composer.started = make(chan struct{})
	h.composer.hold = make(chan struct{})

	if _, err := h.svc.Render(context.Background(), v.ID, RenderRequest{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	job := h.disp.last(t)
	errc = make(chan error, 1)
	go func() { errc <- h.svc.ExecuteStage(context.Background(), job) }()
	select {
	case <-h.composer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("render stage did not reach the composer")
	}

	other = New(Deps{Store: h.store, Blobs: h.blobs}, Config{}, newTestLogger())
	other.SetClock(clk.Now)
	return v, other, errc
}

func TestRunningStageStaysFreshForOtherWatchdogs(t *testing.T) {
	h := newHarness(t)
	clk := &lockedClock{now: h.clock}
	v, other, errc := startHeldRender(t, h, clk)

	later := clk.Advance(time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for !h.get(t, v.ID).UpdatedAt.Equal(later) {
		if time.Now().After(deadline) {
			t.Fatalf("updated_at not refreshed: want=%v got=%v", later, h.get(t, v.ID).UpdatedAt)
		}
		time.Sleep(5 * time.Millisecond)
	}

	reverted, err := other.RecoverStale(context.Background())
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if len(reverted) != 0 {
		t.Fatalf("running render reverted: %v", reverted)
	}

	close(h.composer.hold)
	if err := <-errc; err != nil {
		t.Fatalf("render stage: %v", err)
	}
	if got := h.get(t, v.ID).Status; got != models.StatusCompleted {
		t.Fatalf("status: want=%s got=%s", models.StatusCompleted, got)
	}
}

func TestStageAbandonsWorkWhenVideoLeavesStatus(t *testing.T) {
	h := newHarness(t)
	clk := &lockedClock{now: h.clock}
	v, _, errc := startHeldRender(t, h, clk)

	if _, err := h.store.Transition(context.Background(), v.ID, []models.Status{models.StatusRendering}, models.StatusAnalyzed, nil); err != nil {
		t.Fatalf("revert: %v", err)
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("abandoned render reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("render stage kept running after the video left rendering")
	}
	got := h.get(t, v.ID)
	if got.Status != models.StatusAnalyzed || got.ErrorMessage != nil || got.ProcessedLocation != nil {
		t.Fatalf("after abandon: status=%s error=%v processed=%v", got.Status, got.ErrorMessage, got.ProcessedLocation)
	}
	h.assertWorkDirEmpty(t)
}
