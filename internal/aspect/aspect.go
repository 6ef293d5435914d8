// Package aspect decides how a source frame is mapped onto the 1080x1920 portrait canvas.
package aspect

import (
	"fmt"
	"strconv"
	"strings"

	"videothingy/newsreel/internal/apperr"
)

const (
	TargetWidth  = 1080
	TargetHeight = 1920

	// TargetAspect is TargetWidth/TargetHeight.
	TargetAspect = float64(TargetWidth) / float64(TargetHeight)

	PadColor = "black"
)

type Category string

const (
	Category16x9   Category = "16:9"
	Category4x3    Category = "4:3"
	Category1x1    Category = "1:1"
	Category9x16   Category = "9:16"
	CategoryCustom Category = "custom"
)

type Strategy string

const (
	StrategyScale Strategy = "scale"
	StrategyCrop  Strategy = "crop"
	StrategyPad   Strategy = "pad"
)

// Filter is one ffmpeg video filter with positional arguments.
type Filter struct {
	Name string
	Args []string
}

func (f Filter) String() string {
	return f.Name + "=" + strings.Join(f.Args, ":")
}

// Plan is the geometric transform from a source frame to the canonical canvas.
type Plan struct {
	SourceWidth  int
	SourceHeight int
	Aspect       float64
	Category     Category
	Strategy     Strategy

	TargetWidth  int
	TargetHeight int

	// Intermediate size after the scale step.
	ScaleWidth  int
	ScaleHeight int

	// Crop offset (StrategyCrop) or pad offset (StrategyPad).
	OffsetX int
	OffsetY int
}

// Classify buckets an aspect ratio (width/height).
func Classify(aspect float64) Category {
	switch {
	case aspect > 1.7:
		return Category16x9
	case aspect > 1.2:
		return Category4x3
	case aspect >= 0.9 && aspect <= 1.1:
		return Category1x1
	case aspect < 0.6:
		return Category9x16
	default:
		return CategoryCustom
	}
}

// PlanConversion picks the strategy for a width x height source.
func PlanConversion(width, height int) (Plan, error) {
	if width <= 0 || height <= 0 {
		return Plan{}, apperr.Newf(apperr.KindValidation, "aspect.PlanConversion", "invalid source dimensions %dx%d", width, height)
	}

	aspect := float64(width) / float64(height)
	category := Classify(aspect)

	var p Plan
	switch {
	case category == Category9x16:
		p = planScale(width, height)
	case aspect > TargetAspect:
		p = planCrop(width, height)
	default:
		p = planPad(width, height)
	}
	p.Aspect = aspect
	p.Category = category
	return p, nil
}

func planScale(width, height int) Plan {
	return Plan{
		SourceWidth:  width,
		SourceHeight: height,
		Strategy:     StrategyScale,
		TargetWidth:  TargetWidth,
		TargetHeight: TargetHeight,
		ScaleWidth:   TargetWidth,
		ScaleHeight:  TargetHeight,
	}
}

// planCrop scales to the target height, then center-crops the width from the top.
func planCrop(width, height int) Plan {
	scaledWidth := width * TargetHeight / height
	return Plan{
		SourceWidth:  width,
		SourceHeight: height,
		Strategy:     StrategyCrop,
		TargetWidth:  TargetWidth,
		TargetHeight: TargetHeight,
		ScaleWidth:   scaledWidth,
		ScaleHeight:  TargetHeight,
		OffsetX:      (scaledWidth - TargetWidth) / 2,
		OffsetY:      0,
	}
}

// planPad scales to the target width, then letterboxes the height.
func planPad(width, height int) Plan {
	scaledHeight := height * TargetWidth / width
	return Plan{
		SourceWidth:  width,
		SourceHeight: height,
		Strategy:     StrategyPad,
		TargetWidth:  TargetWidth,
		TargetHeight: TargetHeight,
		ScaleWidth:   TargetWidth,
		ScaleHeight:  scaledHeight,
		OffsetX:      0,
		OffsetY:      (TargetHeight - scaledHeight) / 2,
	}
}

// Filters returns the filter chain that executes the plan.
func (p Plan) Filters() []Filter {
	scale := Filter{Name: "scale", Args: []string{itoa(p.ScaleWidth), itoa(p.ScaleHeight)}}
	switch p.Strategy {
	case StrategyCrop:
		return []Filter{scale, {Name: "crop", Args: []string{itoa(p.TargetWidth), itoa(p.TargetHeight), itoa(p.OffsetX), itoa(p.OffsetY)}}}
	case StrategyPad:
		return []Filter{scale, {Name: "pad", Args: []string{itoa(p.TargetWidth), itoa(p.TargetHeight), itoa(p.OffsetX), itoa(p.OffsetY), PadColor}}}
	default:
		return []Filter{scale}
	}
}

// FilterGraph renders Filters as a -vf value.
func (p Plan) FilterGraph() string {
	filters := p.Filters()
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, ",")
}

// Resolution formats a width x height label.
func Resolution(width, height int) string {
	return fmt.Sprintf("%dx%d", width, height)
}

func itoa(n int) string { return strconv.Itoa(n) }
