package pipeline

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

// DefaultMaxUploadBytes is the largest accepted upload (500 MB).
const DefaultMaxUploadBytes int64 = 500 * 1024 * 1024

var allowedExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".webm": "video/webm",
}

var allowedContentTypes = map[string]bool{
	"video/mp4":        true,
	"video/mpeg":       true,
	"video/quicktime":  true,
	"video/x-msvideo":  true,
	"video/x-matroska": true,
	"video/webm":       true,
}

// UploadRequest is a new video. Size may be 0 when unknown; the body is
// measured while it is stored either way.
type UploadRequest struct {
	Filename     string
	ContentType  string
	Size         int64
	Body         io.Reader
	TemplateID   models.TemplateID
	Headline     *string
	Location     *string
	ShowLocation *bool
}

// MetadataRequest overrides user-facing metadata. A nil field is left alone;
// an empty Headline or Location clears that override.
type MetadataRequest struct {
	Headline     *string
	Location     *string
	ShowLocation *bool
	TemplateID   *models.TemplateID
}

// RenderRequest carries overrides persisted together with the move to rendering.
// Empty strings are ignored.
type RenderRequest struct {
	Headline     *string
	Location     *string
	ShowLocation *bool
	TemplateID   *models.TemplateID
}

type metadataFields struct {
	Headline   string `validate:"omitempty,min=5,max=100"`
	Location   string `validate:"omitempty,min=2,max=50"`
	TemplateID string `validate:"omitempty,template"`
}

type uploadFields struct {
	Filename   string `validate:"required,max=255"`
	Extension  string `validate:"required,oneof=.mp4 .mov .avi .mkv .mpeg .mpg .webm"`
	Size       int64  `validate:"gte=0"`
	Headline   string `validate:"omitempty,min=5,max=100"`
	Location   string `validate:"omitempty,min=2,max=50"`
	TemplateID string `validate:"omitempty,template"`
}

// newValidator registers the "template" tag backed by models.TemplateID.Valid.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("template", func(fl validator.FieldLevel) bool {
		return models.TemplateID(fl.Field().String()).Valid()
	})
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func derefTemplate(t *models.TemplateID) string {
	if t == nil {
		return ""
	}
	return string(*t)
}

func (s *Service) validateStruct(op string, v any) error {
	if err := s.validate.Struct(v); err != nil {
		return apperr.Newf(apperr.KindValidation, op, "%s", strings.Join(formatValidationErrors(err), "; "))
	}
	return nil
}

// formatValidationErrors renders validator errors one line per field.
func formatValidationErrors(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("Field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
		}
		out = append(out, msg)
	}
	return out
}

// checkUpload validates everything knowable before reading the body and
// returns the normalized extension and content type.
func (s *Service) checkUpload(req UploadRequest) (ext, contentType string, err error) {
	const op = "pipeline.Upload"
	ext = strings.ToLower(filepath.Ext(req.Filename))
	fields := uploadFields{
		Filename:   strings.TrimSpace(req.Filename),
		Extension:  ext,
		Size:       req.Size,
		Headline:   deref(req.Headline),
		Location:   deref(req.Location),
		TemplateID: string(req.TemplateID),
	}
	if err := s.validateStruct(op, fields); err != nil {
		return "", "", err
	}
	if req.Body == nil {
		return "", "", apperr.Newf(apperr.KindValidation, op, "missing file body")
	}
	if req.Size > s.cfg.MaxUploadBytes {
		return "", "", apperr.Newf(apperr.KindValidation, op, "file is %d bytes, limit is %d", req.Size, s.cfg.MaxUploadBytes)
	}

	contentType = strings.ToLower(strings.TrimSpace(req.ContentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = allowedExtensions[ext]
	}
	if !allowedContentTypes[contentType] {
		return "", "", apperr.Newf(apperr.KindValidation, op, "content type %q is not an accepted video type", contentType)
	}
	return ext, contentType, nil
}

// StatusView is the polling answer for a video.
type StatusView struct {
	ID           string        `json:"id"`
	Status       models.Status `json:"status"`
	Progress     int           `json:"progress"`
	Stage        string        `json:"stage"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AnalysisView exposes analysis output together with the effective metadata.
type AnalysisView struct {
	ID                string                    `json:"id"`
	Status            models.Status             `json:"status"`
	Transcript        *models.Transcript        `json:"transcript"`
	VisualAnalysis    *models.VisualAnalysis    `json:"visual_analysis"`
	GeneratedHeadline *models.GeneratedHeadline `json:"generated_headline"`
	GeneratedLocation *models.GeneratedLocation `json:"generated_location"`
	FinalHeadline     string                    `json:"final_headline"`
	FinalLocation     *string                   `json:"final_location"`
	ShowLocation      bool                      `json:"show_location"`
	TemplateID        models.TemplateID         `json:"template_id"`
}

// OutputView describes a completed render.
type OutputView struct {
	ID           string            `json:"id"`
	Resolution   string            `json:"final_resolution"`
	AspectRatio  string            `json:"aspect_ratio"`
	SizeMB       float64           `json:"file_size_mb"`
	DownloadURL  string            `json:"download_url"`
	Headline     string            `json:"headline"`
	Location     *string           `json:"location"`
	ShowLocation bool              `json:"show_location"`
	TemplateID   models.TemplateID `json:"template_id"`
	CreatedAt    time.Time         `json:"created_at"`
}
