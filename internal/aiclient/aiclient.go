// Package aiclient asks a Gemini model for a video's transcript, a headline and
// a location.
package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

// DefaultModels is the fallback order used when a model is out of capacity.
var DefaultModels = []string{"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-flash-8b"}

// fallbackHeadline is used when the transcript is too short to write a headline from.
const fallbackHeadline = "செய்தி வீடியோ"

const (
	minHeadlineTranscript = 5
	minLocationTranscript = 10
	headlinePromptChars   = 2000
	locationPromptChars   = 1000
	headlineFromTextChars = 80
)

// Analysis is everything a successful analysis stores on the video.
type Analysis struct {
	Transcript models.Transcript
	Visual     models.VisualAnalysis
	Headline   models.GeneratedHeadline
	Location   models.GeneratedLocation
}

// Analyzer is the AI collaborator used by the pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, videoPath, mimeType string) (*Analysis, error)
	// Suggest recomputes headline and location from an existing transcript.
	Suggest(ctx context.Context, transcript string) (*models.GeneratedHeadline, *models.GeneratedLocation, error)
}

// Options tune polling and fallback.
type Options struct {
	Models       []string
	PollInterval time.Duration
	PollTimeout  time.Duration
	Backoff      time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.Models) == 0 {
		o.Models = DefaultModels
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 120 * time.Second
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	return o
}

type Client struct {
	backend backend
	opts    Options
	log     *logrus.Logger
}

// New connects to the Gemini API with apiKey.
func New(ctx context.Context, apiKey string, opts Options, log *logrus.Logger) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return newClient(&genaiBackend{client: gc}, opts, log), nil
}

func newClient(b backend, opts Options, log *logrus.Logger) *Client {
	return &Client{backend: b, opts: opts.withDefaults(), log: log}
}

// Analyze uploads the video, extracts the transcript and derives a headline and
// location from the transcript text.
func (c *Client) Analyze(ctx context.Context, videoPath, mimeType string) (*Analysis, error) {
	const op = "aiclient.Analyze"
	file, err := c.uploadAndWait(ctx, videoPath, mimeType)
	if err != nil {
		return nil, err
	}
	defer c.deleteFile(ctx, file.Name)

	transcript, err := c.transcribe(ctx, file)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"chars": utf8.RuneCountInString(transcript.Text), "language": transcript.Language}).Info("Transcript extracted")

	headline, location := c.suggest(ctx, transcript.Text)
	if strings.TrimSpace(headline.Primary) == "" {
		return nil, apperr.Newf(apperr.KindCollaborator, op, "model returned an empty headline")
	}
	return &Analysis{
		Transcript: *transcript,
		Visual: models.VisualAnalysis{
			SceneType:   "video",
			Objects:     []string{},
			Mood:        "neutral",
			Landmarks:   []string{},
			Description: "Video content",
		},
		Headline: *headline,
		Location: *location,
	}, nil
}

func (c *Client) Suggest(ctx context.Context, transcript string) (*models.GeneratedHeadline, *models.GeneratedLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, apperr.New(apperr.KindInfra, "aiclient.Suggest", err)
	}
	headline, location := c.suggest(ctx, transcript)
	if strings.TrimSpace(headline.Primary) == "" {
		return nil, nil, apperr.Newf(apperr.KindCollaborator, "aiclient.Suggest", "model returned an empty headline")
	}
	return headline, location, nil
}

func (c *Client) uploadAndWait(ctx context.Context, path, mimeType string) (*genai.File, error) {
	const op = "aiclient.upload"
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	file, err := c.backend.upload(ctx, path, mimeType)
	if err != nil {
		return nil, classify(op, err)
	}
	entry := c.log.WithField("file", file.Name)
	entry.Info("Video uploaded to model")

	deadline := time.Now().Add(c.opts.PollTimeout)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			c.deleteFile(ctx, file.Name)
			return nil, apperr.Newf(apperr.KindTransient, op, "file %s still processing after %s", file.Name, c.opts.PollTimeout)
		}
		if !sleep(ctx, c.opts.PollInterval) {
			c.deleteFile(ctx, file.Name)
			return nil, apperr.New(apperr.KindInfra, op, ctx.Err())
		}
		name := file.Name
		file, err = c.backend.getFile(ctx, name)
		if err != nil {
			c.deleteFile(ctx, name)
			return nil, classify(op, err)
		}
	}
	if file.State == genai.FileStateFailed {
		c.deleteFile(ctx, file.Name)
		return nil, apperr.Newf(apperr.KindCollaborator, op, "model failed to process file %s", file.Name)
	}
	return file, nil
}

// deleteFile is best effort; uploaded files also expire on their own.
func (c *Client) deleteFile(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.backend.deleteFile(ctx, name); err != nil {
		c.log.WithError(err).WithField("file", name).Warn("Could not delete uploaded file")
	}
}

type transcriptReply struct {
	Text                string  `json:"text"`
	Language            string  `json:"language"`
	LanguageConfidence  float64 `json:"language_confidence"`
	HasSignificantAudio *bool   `json:"has_significant_audio"`
}

func (c *Client) transcribe(ctx context.Context, file *genai.File) (*models.Transcript, error) {
	const op = "aiclient.transcribe"
	parts := []*genai.Part{
		genai.NewPartFromURI(file.URI, file.MIMEType),
		genai.NewPartFromText(transcriptPrompt),
	}
	text, err := c.generate(ctx, parts, 0.2)
	if err != nil {
		return nil, err
	}
	var reply transcriptReply
	if err := decodeJSON(text, &reply); err != nil {
		return nil, apperr.New(apperr.KindCollaborator, op, err)
	}
	t := &models.Transcript{
		Text:                strings.TrimSpace(reply.Text),
		Language:            reply.Language,
		LanguageConfidence:  clamp01(reply.LanguageConfidence),
		HasSignificantAudio: true,
	}
	if t.Language == "" {
		t.Language = "en"
	}
	if reply.HasSignificantAudio != nil {
		t.HasSignificantAudio = *reply.HasSignificantAudio
	}
	return t, nil
}

// suggest never fails; a failed call degrades to a transcript-derived headline
// and no location.
func (c *Client) suggest(ctx context.Context, transcript string) (*models.GeneratedHeadline, *models.GeneratedLocation) {
	headline, err := c.headline(ctx, transcript)
	if err != nil {
		c.log.WithError(err).Warn("Headline generation failed, using transcript")
		headline = &models.GeneratedHeadline{
			Primary:      headlineFromTranscript(transcript),
			Alternatives: []string{},
			Confidence:   0.2,
			Tone:         "neutral",
		}
	}
	location, err := c.location(ctx, transcript)
	if err != nil {
		c.log.WithError(err).Warn("Location detection failed")
		location = noLocation()
	}
	return headline, location
}

type headlineReply struct {
	Primary      string   `json:"primary"`
	Alternatives []string `json:"alternatives"`
	Confidence   *float64 `json:"confidence"`
	Tone         string   `json:"tone"`
}

func (c *Client) headline(ctx context.Context, transcript string) (*models.GeneratedHeadline, error) {
	if utf8.RuneCountInString(strings.TrimSpace(transcript)) < minHeadlineTranscript {
		return &models.GeneratedHeadline{Primary: fallbackHeadline, Alternatives: []string{}, Confidence: 0.2, Tone: "neutral"}, nil
	}
	prompt := fmt.Sprintf(headlinePrompt, runePrefix(transcript, headlinePromptChars))
	text, err := c.generate(ctx, []*genai.Part{genai.NewPartFromText(prompt)}, 0.4)
	if err != nil {
		return nil, err
	}
	var reply headlineReply
	if err := decodeJSON(text, &reply); err != nil {
		return nil, apperr.New(apperr.KindCollaborator, "aiclient.headline", err)
	}
	h := &models.GeneratedHeadline{
		Primary:      strings.TrimSpace(reply.Primary),
		Alternatives: reply.Alternatives,
		Confidence:   0.5,
		Tone:         reply.Tone,
	}
	if h.Primary == "" {
		h.Primary = headlineFromTranscript(transcript)
	}
	if h.Alternatives == nil {
		h.Alternatives = []string{}
	}
	if reply.Confidence != nil {
		h.Confidence = clamp01(*reply.Confidence)
	}
	if h.Tone == "" {
		h.Tone = "informative"
	}
	return h, nil
}

type locationReply struct {
	Text       *string `json:"text"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

func (c *Client) location(ctx context.Context, transcript string) (*models.GeneratedLocation, error) {
	if utf8.RuneCountInString(strings.TrimSpace(transcript)) < minLocationTranscript {
		return noLocation(), nil
	}
	prompt := fmt.Sprintf(locationPrompt, runePrefix(transcript, locationPromptChars))
	text, err := c.generate(ctx, []*genai.Part{genai.NewPartFromText(prompt)}, 0.3)
	if err != nil {
		return nil, err
	}
	var reply locationReply
	if err := decodeJSON(text, &reply); err != nil {
		return nil, apperr.New(apperr.KindCollaborator, "aiclient.location", err)
	}
	if reply.Text == nil || strings.TrimSpace(*reply.Text) == "" {
		return noLocation(), nil
	}
	src := models.LocationSource(reply.Source)
	if src != models.LocationFromVisual {
		src = models.LocationFromTranscript
	}
	return &models.GeneratedLocation{
		Text:       models.StringPtr(strings.TrimSpace(*reply.Text)),
		Confidence: clamp01(reply.Confidence),
		Source:     src,
	}, nil
}

// generate walks the model list, moving on only when a model is out of capacity.
func (c *Client) generate(ctx context.Context, parts []*genai.Part, temperature float32) (string, error) {
	const op = "aiclient.generate"
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(temperature),
		ResponseMIMEType: "application/json",
	}

	var lastErr error
	for i, model := range c.opts.Models {
		text, err := c.backend.generate(ctx, model, contents, cfg)
		if err == nil {
			if i > 0 {
				c.log.WithField("model", model).Warn("Used fallback model")
			}
			if strings.TrimSpace(text) == "" {
				return "", apperr.Newf(apperr.KindCollaborator, op, "empty response from %s", model)
			}
			return text, nil
		}
		if ctx.Err() != nil {
			return "", apperr.New(apperr.KindInfra, op, ctx.Err())
		}
		if !isCapacityError(err) {
			return "", apperr.New(apperr.KindCollaborator, op, fmt.Errorf("%s: %w", model, err))
		}
		c.log.WithError(err).WithField("model", model).Warn("Model unavailable, trying next")
		lastErr = err
		if i < len(c.opts.Models)-1 && !sleep(ctx, c.opts.Backoff) {
			return "", apperr.New(apperr.KindInfra, op, ctx.Err())
		}
	}
	return "", apperr.New(apperr.KindTransient, op, fmt.Errorf("all models unavailable: %w", lastErr))
}

func classify(op string, err error) error {
	if isCapacityError(err) {
		return apperr.New(apperr.KindTransient, op, err)
	}
	return apperr.New(apperr.KindCollaborator, op, err)
}

func isCapacityError(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429, apiErr.Code == 503:
			return true
		case apiErr.Status == "UNAVAILABLE", apiErr.Status == "RESOURCE_EXHAUSTED":
			return true
		}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return isCapacityError(*apiErrPtr)
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") || strings.Contains(msg, "unavailable")
}

// decodeJSON tolerates a markdown code fence around the reply.
func decodeJSON(text string, v any) error {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decoding model reply: %w", err)
	}
	return nil
}

func headlineFromTranscript(transcript string) string {
	t := strings.TrimSpace(transcript)
	if t == "" {
		return fallbackHeadline
	}
	return strings.TrimSpace(runePrefix(t, headlineFromTextChars))
}

func noLocation() *models.GeneratedLocation {
	return &models.GeneratedLocation{Source: models.LocationFromNone}
}

func runePrefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
