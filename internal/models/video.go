package models

import (
	"strings"
	"time"
)

// Status is the processing state of a Video.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusAnalyzing Status = "analyzing"
	StatusAnalyzed  Status = "analyzed"
	StatusRendering Status = "rendering"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// TemplateID selects one of the overlay templates.
type TemplateID string

const (
	Template1 TemplateID = "template1"
	Template2 TemplateID = "template2"
	Template3 TemplateID = "template3"
	Template4 TemplateID = "template4"
)

// DefaultTemplate is used when an upload does not pick one.
const DefaultTemplate = Template1

// PlaceholderHeadline is the final headline when neither the user nor analysis supplied one.
const PlaceholderHeadline = "Untitled Video"

// LocationSource tags where a generated location came from.
type LocationSource string

const (
	LocationFromTranscript LocationSource = "transcript"
	LocationFromVisual     LocationSource = "visual"
	LocationFromNone       LocationSource = "none"
)

// Column names shared by every record store. They match the json and bson tags below.
const (
	FieldStatus            = "status"
	FieldErrorMessage      = "error_message"
	FieldProcessedLocation = "processed_location"
	FieldProcessedSize     = "processed_size_bytes"
	FieldDuration          = "duration_seconds"
	FieldResolution        = "resolution"
	FieldTranscript        = "transcript"
	FieldVisualAnalysis    = "visual_analysis"
	FieldGeneratedHeadline = "generated_headline"
	FieldGeneratedLocation = "generated_location"
	FieldUserHeadline      = "user_headline"
	FieldUserLocation      = "user_location"
	FieldShowLocation      = "show_location"
	FieldTemplateID        = "template_id"
	FieldCreatedAt         = "created_at"
	FieldUpdatedAt         = "updated_at"
)

// Transcript is written once by analysis.
type Transcript struct {
	Text                string  `json:"text" bson:"text"`
	Language            string  `json:"language" bson:"language"`
	LanguageConfidence  float64 `json:"language_confidence" bson:"language_confidence"`
	HasSignificantAudio bool    `json:"has_significant_audio" bson:"has_significant_audio"`
}

// VisualAnalysis is informational only; rendering never reads it.
type VisualAnalysis struct {
	SceneType   string   `json:"scene_type" bson:"scene_type"`
	PeopleCount int      `json:"people_count" bson:"people_count"`
	Objects     []string `json:"objects" bson:"objects"`
	Mood        string   `json:"mood" bson:"mood"`
	Landmarks   []string `json:"landmarks" bson:"landmarks"`
	Description string   `json:"description" bson:"description"`
}

type GeneratedHeadline struct {
	Primary      string   `json:"primary" bson:"primary"`
	Alternatives []string `json:"alternatives" bson:"alternatives"`
	Confidence   float64  `json:"confidence" bson:"confidence"`
	Tone         string   `json:"tone" bson:"tone"`
}

// GeneratedLocation.Text is nil when nothing was detected.
type GeneratedLocation struct {
	Text       *string        `json:"text" bson:"text"`
	Confidence float64        `json:"confidence" bson:"confidence"`
	Source     LocationSource `json:"source" bson:"source"`
}

// Video is the persisted record for one uploaded video.
// Pointer fields are nullable columns.
type Video struct {
	ID                string             `json:"id" bson:"_id"`
	Filename          string             `json:"filename" bson:"filename"`
	OriginalFilename  string             `json:"original_filename" bson:"original_filename"`
	Status            Status             `json:"status" bson:"status"`
	ErrorMessage      *string            `json:"error_message" bson:"error_message"`
	OriginalLocation  string             `json:"original_location" bson:"original_location"`
	ProcessedLocation *string            `json:"processed_location" bson:"processed_location"`
	ProcessedSize     *int64             `json:"processed_size_bytes" bson:"processed_size_bytes"`
	FileSizeBytes     int64              `json:"file_size_bytes" bson:"file_size_bytes"`
	DurationSeconds   *float64           `json:"duration_seconds" bson:"duration_seconds"`
	Resolution        *string            `json:"resolution" bson:"resolution"`
	Transcript        *Transcript        `json:"transcript" bson:"transcript"`
	VisualAnalysis    *VisualAnalysis    `json:"visual_analysis" bson:"visual_analysis"`
	GeneratedHeadline *GeneratedHeadline `json:"generated_headline" bson:"generated_headline"`
	GeneratedLocation *GeneratedLocation `json:"generated_location" bson:"generated_location"`
	UserHeadline      *string            `json:"user_headline" bson:"user_headline"`
	UserLocation      *string            `json:"user_location" bson:"user_location"`
	ShowLocation      bool               `json:"show_location" bson:"show_location"`
	TemplateID        TemplateID         `json:"template_id" bson:"template_id"`
	CreatedAt         time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" bson:"updated_at"`
}

// FinalHeadline returns the user override if set, else the generated primary, else PlaceholderHeadline.
func (v *Video) FinalHeadline() string {
	if v.UserHeadline != nil && strings.TrimSpace(*v.UserHeadline) != "" {
		return *v.UserHeadline
	}
	if v.GeneratedHeadline != nil && strings.TrimSpace(v.GeneratedHeadline.Primary) != "" {
		return v.GeneratedHeadline.Primary
	}
	return PlaceholderHeadline
}

// FinalLocation returns nil when there is no location to show at all.
func (v *Video) FinalLocation() *string {
	if v.UserLocation != nil && strings.TrimSpace(*v.UserLocation) != "" {
		loc := *v.UserLocation
		return &loc
	}
	if v.GeneratedLocation != nil && v.GeneratedLocation.Text != nil && strings.TrimSpace(*v.GeneratedLocation.Text) != "" {
		loc := *v.GeneratedLocation.Text
		return &loc
	}
	return nil
}

// HasAnalysis reports whether analysis output is stored on the record.
func (v *Video) HasAnalysis() bool {
	return v.Transcript != nil && v.GeneratedHeadline != nil && v.GeneratedLocation != nil
}

// Progress maps a status to a coarse percentage and stage label for pollers.
func (s Status) Progress() (int, string) {
	switch s {
	case StatusUploaded:
		return 10, "upload"
	case StatusAnalyzing:
		return 40, "analysis"
	case StatusAnalyzed:
		return 70, "analysis"
	case StatusRendering:
		return 90, "render"
	case StatusCompleted:
		return 100, "finalizing"
	default:
		return 0, "error"
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusAnalyzing, StatusAnalyzed, StatusRendering, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Templates lists the template identifiers in display order.
var Templates = []TemplateID{Template1, Template2, Template3, Template4}

// Valid reports whether t names a known template.
func (t TemplateID) Valid() bool {
	for _, known := range Templates {
		if t == known {
			return true
		}
	}
	return false
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}
