package overlay

import (
	"image/color"
	"math"

	"github.com/fogleman/gg"
)

// Rect is an axis-aligned box given by its corners, optionally stroked.
type Rect struct {
	X0, Y0, X1, Y1 float64
	Fill           color.NRGBA
	Stroke         color.NRGBA
	StrokeWidth    float64
}

func (r Rect) Width() float64  { return r.X1 - r.X0 }
func (r Rect) Height() float64 { return r.Y1 - r.Y0 }

func (r Rect) draw(dc *gg.Context) {
	if r.Fill.A > 0 {
		dc.SetColor(r.Fill)
		dc.DrawRectangle(r.X0, r.Y0, r.Width(), r.Height())
		dc.Fill()
	}
	if r.Stroke.A > 0 && r.StrokeWidth > 0 {
		dc.SetColor(r.Stroke)
		dc.SetLineWidth(r.StrokeWidth)
		dc.DrawRectangle(r.X0, r.Y0, r.Width(), r.Height())
		dc.Stroke()
	}
}

// Ellipse is filled inside its bounding box.
type Ellipse struct {
	X0, Y0, X1, Y1 float64
	Fill           color.NRGBA
}

func (e Ellipse) draw(dc *gg.Context) {
	dc.SetColor(e.Fill)
	dc.DrawEllipse((e.X0+e.X1)/2, (e.Y0+e.Y1)/2, (e.X1-e.X0)/2, (e.Y1-e.Y0)/2)
	dc.Fill()
}

// drawCapsule fills a pill: a semicircle cap at each end joined by a rectangle.
// With leftOnly the right end stays square.
func drawCapsule(dc *gg.Context, x, y, w, h float64, leftOnly bool) {
	r := h / 2
	dc.DrawCircle(x+r, y+r, r)
	if leftOnly {
		dc.DrawRectangle(x+r, y, w-r, h)
	} else {
		dc.DrawCircle(x+w-r, y+r, r)
		dc.DrawRectangle(x+r, y, w-2*r, h)
	}
	dc.Fill()
}

// strokeCapsule outlines the same shape drawCapsule fills.
func strokeCapsule(dc *gg.Context, x, y, w, h float64, leftOnly bool) {
	r := h / 2
	dc.NewSubPath()
	dc.DrawArc(x+r, y+r, r, math.Pi/2, 3*math.Pi/2)
	if leftOnly {
		dc.LineTo(x+w, y)
		dc.LineTo(x+w, y+h)
	} else {
		dc.LineTo(x+w-r, y)
		dc.DrawArc(x+w-r, y+r, r, -math.Pi/2, math.Pi/2)
	}
	dc.ClosePath()
	dc.Stroke()
}

// drawPin draws a map-pin glyph whose bounding box is w wide, centered vertically on cy.
// hole is the color punched into the head; a transparent hole is skipped.
func drawPin(dc *gg.Context, x, cy, w float64, fill, hole color.NRGBA) {
	r := w / 2
	headY := cy - r*0.35
	dc.SetColor(fill)
	dc.DrawCircle(x+r, headY, r)
	dc.Fill()
	dc.MoveTo(x+r*0.13, headY+r*0.5)
	dc.LineTo(x+w-r*0.13, headY+r*0.5)
	dc.LineTo(x+r, headY+r*1.9)
	dc.ClosePath()
	dc.Fill()
	if hole.A > 0 {
		dc.SetColor(hole)
		dc.DrawCircle(x+r, headY, r*0.4)
		dc.Fill()
	}
}
