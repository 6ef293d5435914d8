package overlay

import (
	"errors"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

const (
	// CanvasWidth and CanvasHeight are the portrait output frame every template targets.
	CanvasWidth  = 1080
	CanvasHeight = 1920

	maxCanvasSide = 8192
	shrinkStep    = 4
)

// RenderInput is everything a template needs. A nil Location suppresses the
// location pill regardless of ShowLocation.
type RenderInput struct {
	TemplateID   models.TemplateID
	Headline     string
	Location     *string
	ShowLocation bool
	Width        int
	Height       int
}

// Renderer draws template overlays onto transparent canvases.
type Renderer struct {
	fonts    *FontBook
	logoPath string
	now      func() time.Time
	log      *logrus.Logger
}

func NewRenderer(fonts *FontBook, logoPath string, log *logrus.Logger) *Renderer {
	return &Renderer{fonts: fonts, logoPath: logoPath, now: time.Now, log: log}
}

// SetClock replaces the date source.
func (r *Renderer) SetClock(now func() time.Time) {
	r.now = now
}

// Render draws the overlay for in. Missing fonts or logo degrade the result;
// only an unknown template or an unallocatable canvas is an error.
func (r *Renderer) Render(in RenderInput) (*image.RGBA, error) {
	const op = "overlay.Render"

	tmpl, ok := Lookup(in.TemplateID)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, op, "unknown template %q", in.TemplateID)
	}
	if in.Width <= 0 || in.Height <= 0 || in.Width > maxCanvasSide || in.Height > maxCanvasSide {
		return nil, apperr.Newf(apperr.KindInfra, op, "cannot allocate %dx%d canvas", in.Width, in.Height)
	}

	layout := tmpl.Layout(float64(in.Width), float64(in.Height))
	dc := gg.NewContext(in.Width, in.Height)

	for _, rect := range layout.Decor {
		rect.draw(dc)
	}
	for _, e := range layout.Ellipses {
		e.draw(dc)
	}
	for _, l := range layout.Labels {
		r.drawLabel(dc, l)
	}
	r.drawDate(dc, layout.Date)
	r.drawHeadline(dc, layout.Headline, in.Headline)
	if in.ShowLocation && in.Location != nil && strings.TrimSpace(*in.Location) != "" {
		r.drawPill(dc, layout.Pill, strings.TrimSpace(*in.Location))
	}
	if layout.Logo != nil {
		r.drawLogo(dc, *layout.Logo)
	}

	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return nil, apperr.Newf(apperr.KindInfra, op, "unexpected canvas type %T", dc.Image())
	}
	return img, nil
}

// RenderFile renders in and writes it as a PNG at path.
func (r *Renderer) RenderFile(in RenderInput, path string) error {
	img, err := r.Render(in)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return apperr.New(apperr.KindInfra, "overlay.RenderFile", err)
	}
	if err := EncodePNG(f, img); err != nil {
		f.Close()
		return apperr.New(apperr.KindInfra, "overlay.RenderFile", err)
	}
	if err := f.Close(); err != nil {
		return apperr.New(apperr.KindInfra, "overlay.RenderFile", err)
	}
	return nil
}

// EncodePNG writes img losslessly.
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

func (r *Renderer) drawLabel(dc *gg.Context, l Label) {
	face := r.fonts.SelectFont(l.Weight, l.Size, l.Text)
	dc.SetFontFace(face)
	dc.SetColor(l.Color)
	dc.DrawStringAnchored(l.Text, l.X, l.Y, l.AX, l.AY)
}

func (r *Renderer) drawDate(dc *gg.Context, d DateSpec) {
	if d.Layout == "" {
		return
	}
	d.Badge.draw(dc)
	d.Stripe.draw(dc)
	r.drawLabel(dc, Label{
		Text: r.now().Format(d.Layout),
		X:    d.X, Y: d.Y, AX: d.AX, AY: d.AY,
		Size: d.Size, Weight: d.Weight, Color: d.Color,
	})
}

func (r *Renderer) drawHeadline(dc *gg.Context, spec HeadlineSpec, text string) {
	spec.Box.draw(dc)
	spec.Accent.draw(dc)

	size := spec.Size
	var face *Face
	var lines []string
	for {
		face = r.fonts.SelectFont(spec.Weight, size, text)
		lines = Wrap(text, FaceMeasure(face), spec.WrapWidth)
		fits := float64(len(lines))*lineHeight(face) <= spec.MaxHeight
		if fits || face.Source == SourceBuiltin || size-shrinkStep < spec.MinSize {
			break
		}
		size -= shrinkStep
	}
	if len(lines) == 0 {
		return
	}

	lh := lineHeight(face)
	top := spec.CenterY - lh*float64(len(lines))/2
	dc.SetFontFace(face)
	dc.SetColor(spec.Color)
	for i, line := range lines {
		dc.DrawStringAnchored(line, spec.CenterX, top+lh*(float64(i)+0.5), 0.5, 0.5)
	}
}

func (r *Renderer) drawPill(dc *gg.Context, spec PillSpec, location string) {
	face := r.fonts.SelectFont(spec.Weight, spec.Size, location)
	measure := FaceMeasure(face)

	pinW := spec.H * 0.42
	gap := pinW * 0.5
	text := truncate(location, measure, spec.MaxW-2*spec.Padding-pinW-gap)
	content := pinW + gap + measure(text)

	width := content + 2*spec.Padding
	if width < spec.MinW {
		width = spec.MinW
	}
	if width > spec.MaxW {
		width = spec.MaxW
	}
	x := spec.X
	if spec.Align == PillCenter {
		x = spec.X - width/2
	}

	if spec.Fill.A > 0 {
		dc.SetColor(spec.Fill)
		drawCapsule(dc, x, spec.Y, width, spec.H, spec.LeftCapOnly)
	}
	if spec.BorderWidth > 0 {
		dc.SetColor(spec.Border)
		dc.SetLineWidth(spec.BorderWidth)
		strokeCapsule(dc, x, spec.Y, width, spec.H, spec.LeftCapOnly)
	}

	cy := spec.Y + spec.H/2
	start := x + (width-content)/2
	drawPin(dc, start, cy, pinW, spec.Text, spec.Fill)
	dc.SetFontFace(face)
	dc.SetColor(spec.Text)
	dc.DrawStringAnchored(text, start+pinW+gap, cy, 0, 0.5)
}

func (r *Renderer) drawLogo(dc *gg.Context, spec LogoSpec) {
	if r.logoPath == "" {
		return
	}
	src, err := gg.LoadImage(r.logoPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.WithError(err).WithField("path", r.logoPath).Warn("Logo could not be decoded, skipping")
		}
		return
	}

	side := int(spec.Size)
	scaled := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Over, nil)

	radius := spec.Size / 2
	cx, cy := spec.X+radius, spec.Y+radius
	dc.DrawCircle(cx, cy, radius)
	dc.Clip()
	dc.DrawImage(scaled, int(spec.X), int(spec.Y))
	dc.ResetClip()

	dc.SetColor(spec.Ring)
	dc.SetLineWidth(spec.RingWidth)
	dc.DrawCircle(cx, cy, radius+spec.RingWidth/2)
	dc.Stroke()
}
