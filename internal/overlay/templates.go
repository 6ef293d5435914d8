package overlay

import (
	"image/color"

	"videothingy/newsreel/internal/models"
)

// Label is fixed decorative text such as a brand mark.
type Label struct {
	Text   string
	X, Y   float64
	AX, AY float64
	Size   float64
	Weight Weight
	Color  color.NRGBA
}

// HeadlineSpec places wrapped headline text centered on (CenterX, CenterY).
// The face shrinks from Size toward MinSize until the lines fit MaxHeight.
type HeadlineSpec struct {
	Box       Rect
	Accent    Rect
	CenterX   float64
	CenterY   float64
	WrapWidth float64
	MaxHeight float64
	Size      float64
	MinSize   float64
	Weight    Weight
	Color     color.NRGBA
}

type PillAlign int

const (
	PillCenter PillAlign = iota
	PillLeft
)

// PillSpec is the location capsule. X is the center for PillCenter and the left edge for PillLeft.
// Width follows the content, clamped to [MinW, MaxW]; a transparent Fill draws text only.
type PillSpec struct {
	Align       PillAlign
	X, Y, H     float64
	MinW, MaxW  float64
	Padding     float64
	Fill        color.NRGBA
	Text        color.NRGBA
	Border      color.NRGBA
	BorderWidth float64
	LeftCapOnly bool
	Size        float64
	Weight      Weight
}

// DateSpec draws the current date, formatted with Layout, inside an optional badge.
type DateSpec struct {
	Layout string
	Badge  Rect
	Stripe Rect
	X, Y   float64
	AX, AY float64
	Size   float64
	Weight Weight
	Color  color.NRGBA
}

// LogoSpec is the circular brand logo; its top-left corner is (X, Y).
type LogoSpec struct {
	X, Y      float64
	Size      float64
	Ring      color.NRGBA
	RingWidth float64
}

// Layout is every element of a template for one canvas size.
type Layout struct {
	Decor    []Rect
	Ellipses []Ellipse
	Labels   []Label
	Headline HeadlineSpec
	Pill     PillSpec
	Date     DateSpec
	Logo     *LogoSpec
}

type Template struct {
	ID     models.TemplateID
	Name   string
	Layout func(w, h float64) Layout
}

const (
	longDate  = "02 January 2006"
	shortDate = "02-01-2006"
)

var (
	white    = color.NRGBA{255, 255, 255, 255}
	black    = color.NRGBA{0, 0, 0, 255}
	gold     = color.NRGBA{255, 215, 0, 230}
	orange   = color.NRGBA{255, 107, 53, 240}
	maroon   = color.NRGBA{122, 32, 13, 255}
	darkRust = color.NRGBA{92, 26, 26, 255}
	rust     = color.NRGBA{163, 42, 13, 255}
)

var templates = map[models.TemplateID]Template{
	models.Template1: {ID: models.Template1, Name: "Full Frame Golden", Layout: fullFrameGolden},
	models.Template2: {ID: models.Template2, Name: "Split Video Orange", Layout: splitVideoOrange},
	models.Template3: {ID: models.Template3, Name: "Minimal Modern", Layout: minimalModern},
	models.Template4: {ID: models.Template4, Name: "Tiruvarur Updates", Layout: tiruvarurUpdates},
}

// Lookup returns the template registered under id.
func Lookup(id models.TemplateID) (Template, bool) {
	t, ok := templates[id]
	return t, ok
}

func fullFrameGolden(w, h float64) Layout {
	top := h - 450
	return Layout{
		Decor: []Rect{
			{X0: 0, Y0: 0, X1: w, Y1: 280, Fill: gold},
			{X0: w - 230, Y0: 40, X1: w - 50, Y1: 110, Fill: white, Stroke: gold, StrokeWidth: 3},
		},
		Labels: []Label{
			{Text: "NEWS", X: w - 140, Y: 75, AX: 0.5, AY: 0.5, Size: 32, Weight: Bold, Color: gold},
		},
		Date: DateSpec{Layout: longDate, X: 60, Y: 180, AX: 0, AY: 1, Size: 36, Weight: Bold, Color: white},
		Headline: HeadlineSpec{
			Box:       Rect{X0: 60, Y0: top, X1: w - 60, Y1: top + 180, Fill: color.NRGBA{255, 255, 255, 242}},
			Accent:    Rect{X0: 60, Y0: top, X1: 70, Y1: top + 180, Fill: gold},
			CenterX:   w / 2,
			CenterY:   top + 90,
			WrapWidth: w - 180,
			MaxHeight: 160,
			Size:      52,
			MinSize:   32,
			Weight:    Bold,
			Color:     color.NRGBA{44, 44, 44, 255},
		},
		Pill: PillSpec{
			Align: PillCenter, X: w / 2, Y: h - 180, H: 50,
			MinW: 300, MaxW: w - 120, Padding: 30,
			Fill: color.NRGBA{255, 215, 0, 242}, Text: color.NRGBA{44, 44, 44, 255},
			Size: 38, Weight: Bold,
		},
	}
}

func splitVideoOrange(w, h float64) Layout {
	top := h - 520
	return Layout{
		Decor: []Rect{
			{X0: 0, Y0: 0, X1: w, Y1: 180, Fill: orange},
			{X0: 0, Y0: h - 154, X1: w, Y1: h - 150, Fill: orange},
			{X0: 0, Y0: h - 150, X1: w, Y1: h, Fill: color.NRGBA{45, 45, 45, 240}},
		},
		Ellipses: []Ellipse{
			{X0: w - 180, Y0: 35, X1: w - 80, Y1: 75, Fill: color.NRGBA{255, 0, 0, 255}},
			{X0: w - 170, Y0: 50, X1: w - 160, Y1: 60, Fill: white},
		},
		Labels: []Label{
			{Text: "NEWS BROADCAST", X: 80, Y: 50, AX: 0, AY: 1, Size: 48, Weight: Bold, Color: white},
			{Text: "LIVE", X: w - 122, Y: 55, AX: 0.5, AY: 0.5, Size: 26, Weight: Bold, Color: white},
		},
		Date: DateSpec{Layout: longDate, X: w - 80, Y: h - 90, AX: 1, AY: 0.5, Size: 32, Weight: Bold, Color: white},
		Headline: HeadlineSpec{
			Box:       Rect{X0: 80, Y0: top, X1: w - 80, Y1: top + 170, Fill: color.NRGBA{255, 107, 53, 242}},
			CenterX:   w / 2,
			CenterY:   top + 85,
			WrapWidth: w - 200,
			MaxHeight: 150,
			Size:      48,
			MinSize:   30,
			Weight:    Bold,
			Color:     white,
		},
		Pill: PillSpec{
			Align: PillLeft, X: 80, Y: h - 115, H: 50,
			MaxW: w/2 - 40,
			Text: orange,
			Size: 36, Weight: Bold,
		},
	}
}

func minimalModern(w, h float64) Layout {
	top := h - 520
	translucent := color.NRGBA{0, 0, 0, 217}
	return Layout{
		Decor: []Rect{
			{X0: 0, Y0: 0, X1: w, Y1: 6, Fill: black},
			{X0: 60, Y0: h - 40, X1: 260, Y1: h - 36, Fill: black},
		},
		Date: DateSpec{
			Layout: longDate,
			Badge:  Rect{X0: w - 220, Y0: 40, X1: w - 40, Y1: 90, Fill: translucent},
			X:      w - 130, Y: 65, AX: 0.5, AY: 0.5,
			Size: 26, Weight: Regular, Color: white,
		},
		Headline: HeadlineSpec{
			Box:       Rect{X0: 60, Y0: top, X1: w - 60, Y1: top + 190, Fill: color.NRGBA{255, 255, 255, 242}},
			Accent:    Rect{X0: 60, Y0: top, X1: 68, Y1: top + 190, Fill: black},
			CenterX:   w / 2,
			CenterY:   top + 95,
			WrapWidth: w - 180,
			MaxHeight: 170,
			Size:      50,
			MinSize:   30,
			Weight:    Regular,
			Color:     color.NRGBA{26, 26, 26, 255},
		},
		Pill: PillSpec{
			Align: PillCenter, X: w / 2, Y: h - 240, H: 50,
			MinW: 300, MaxW: w - 120, Padding: 30,
			Fill: translucent, Text: white,
			Size: 30, Weight: Regular,
		},
	}
}

func tiruvarurUpdates(w, h float64) Layout {
	const border, header = 20, 300
	return Layout{
		Decor: []Rect{
			{X0: 0, Y0: 0, X1: border, Y1: h, Fill: maroon},
			{X0: w - border, Y0: 0, X1: w, Y1: h, Fill: maroon},
			{X0: 0, Y0: h - border, X1: w, Y1: h, Fill: maroon},
			{X0: border, Y0: 0, X1: w - border, Y1: header, Fill: maroon},
			{X0: border, Y0: header - 4, X1: w - border, Y1: header, Fill: darkRust},
		},
		Headline: HeadlineSpec{
			CenterX:   w / 2,
			CenterY:   header / 2,
			WrapWidth: w - 100,
			MaxHeight: header - 30,
			Size:      55,
			MinSize:   34,
			Weight:    Bold,
			Color:     white,
		},
		Logo: &LogoSpec{X: w - 170, Y: header + 30, Size: 130, Ring: white, RingWidth: 4},
		Pill: PillSpec{
			Align: PillLeft, X: 40, Y: h - 100, H: 62,
			MinW: 300, MaxW: 600, Padding: 40,
			Fill: rust, Text: white, Border: white, BorderWidth: 2,
			LeftCapOnly: true,
			Size:        28, Weight: Bold,
		},
		Date: DateSpec{
			Layout: shortDate,
			Badge:  Rect{X0: w - 240, Y0: h - 100, X1: w - 40, Y1: h - 38, Fill: color.NRGBA{0, 0, 0, 153}},
			Stripe: Rect{X0: w - 240, Y0: h - 100, X1: w - 235, Y1: h - 38, Fill: rust},
			X:      w - 140, Y: h - 69, AX: 0.5, AY: 0.5,
			Size: 32, Weight: Bold, Color: white,
		},
	}
}
