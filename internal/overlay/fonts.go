package overlay

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/freetype/truetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
)

type Weight int

const (
	Regular Weight = iota
	Bold
)

// FontSource records which tier of the fallback chain produced a face.
type FontSource string

const (
	SourceBundled  FontSource = "bundled"
	SourceSystem   FontSource = "system"
	SourceEmbedded FontSource = "embedded"
	SourceBuiltin  FontSource = "builtin"
)

// Bundled Tamil typefaces looked up in FontConfig.Dir.
const (
	TamilBoldFile    = "NotoSansTamil-Bold.ttf"
	TamilRegularFile = "NotoSansTamil-Regular.ttf"
)

// Face is a sized font face plus where it came from.
// Faces are not safe for concurrent use; select one per render.
type Face struct {
	font.Face
	Script Script
	Source FontSource
	Path   string
	Size   float64
}

// FontConfig lists font files to try, in order, for each role.
type FontConfig struct {
	Dir          string
	LatinBold    []string
	LatinRegular []string
	MultiScript  []string
}

// DefaultFontConfig uses common system font locations on Linux, macOS and Windows.
func DefaultFontConfig(dir string) FontConfig {
	return FontConfig{
		Dir: dir,
		LatinBold: []string{
			"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
			"/usr/share/fonts/truetype/liberation/LiberationSans-Bold.ttf",
			"/Library/Fonts/Arial Bold.ttf",
			"C:/Windows/Fonts/arialbd.ttf",
		},
		LatinRegular: []string{
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/liberation/LiberationSans-Regular.ttf",
			"/Library/Fonts/Arial.ttf",
			"C:/Windows/Fonts/arial.ttf",
		},
		MultiScript: []string{
			"/usr/share/fonts/truetype/lohit-tamil/Lohit-Tamil.ttf",
			"/usr/share/fonts/truetype/freefont/FreeSerif.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansTamil-Regular.ttf",
		},
	}
}

// FontBook resolves faces by script and weight. Parsed fonts are cached; faces are not.
type FontBook struct {
	cfg FontConfig
	log *logrus.Logger

	mu     sync.Mutex
	parsed map[string]*truetype.Font
}

func NewFontBook(cfg FontConfig, log *logrus.Logger) *FontBook {
	return &FontBook{
		cfg:    cfg,
		log:    log,
		parsed: make(map[string]*truetype.Font),
	}
}

type candidate struct {
	path   string
	source FontSource
}

// SelectFont returns the best face for text at size. It never fails: when no file
// resolves it falls back to the embedded Go fonts and finally to a bitmap face.
func (b *FontBook) SelectFont(weight Weight, size float64, text string) *Face {
	script := DetectScript(text)
	for _, c := range b.candidates(script, weight) {
		f := b.load(c.path)
		if f == nil {
			continue
		}
		return &Face{Face: newFace(f, size), Script: script, Source: c.source, Path: c.path, Size: size}
	}

	if f := b.embedded(weight); f != nil {
		if script == ScriptTamil {
			b.log.WithField("size", size).Warn("No Tamil-capable font found, falling back to embedded Latin font")
		}
		return &Face{Face: newFace(f, size), Script: script, Source: SourceEmbedded, Size: size}
	}

	b.log.Warn("No usable font found, using built-in bitmap face")
	return &Face{Face: basicfont.Face7x13, Script: script, Source: SourceBuiltin, Size: 13}
}

func (b *FontBook) candidates(script Script, weight Weight) []candidate {
	var out []candidate
	add := func(source FontSource, paths ...string) {
		for _, p := range paths {
			if p != "" {
				out = append(out, candidate{path: p, source: source})
			}
		}
	}

	if script == ScriptTamil {
		if b.cfg.Dir != "" {
			preferred, other := TamilRegularFile, TamilBoldFile
			if weight == Bold {
				preferred, other = TamilBoldFile, TamilRegularFile
			}
			add(SourceBundled, filepath.Join(b.cfg.Dir, preferred), filepath.Join(b.cfg.Dir, other))
		}
		add(SourceSystem, b.cfg.MultiScript...)
		return out
	}

	if weight == Bold {
		add(SourceSystem, b.cfg.LatinBold...)
		add(SourceSystem, b.cfg.LatinRegular...)
	} else {
		add(SourceSystem, b.cfg.LatinRegular...)
		add(SourceSystem, b.cfg.LatinBold...)
	}
	add(SourceSystem, b.cfg.MultiScript...)
	return out
}

// load parses and caches a font file. Misses are cached too so absent files are stat'd once.
func (b *FontBook) load(path string) *truetype.Font {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.parsed[path]; ok {
		return f
	}

	var f *truetype.Font
	data, err := os.ReadFile(path)
	if err == nil {
		f, err = truetype.Parse(data)
		if err != nil {
			b.log.WithError(err).WithField("path", path).Warn("Skipping unparseable font")
			f = nil
		}
	}
	b.parsed[path] = f
	return f
}

func (b *FontBook) embedded(weight Weight) *truetype.Font {
	key, data := "embedded:regular", goregular.TTF
	if weight == Bold {
		key, data = "embedded:bold", gobold.TTF
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.parsed[key]; ok {
		return f
	}
	f, err := truetype.Parse(data)
	if err != nil {
		b.log.WithError(err).Error("Embedded font failed to parse")
		f = nil
	}
	b.parsed[key] = f
	return f
}

func newFace(f *truetype.Font, size float64) font.Face {
	return truetype.NewFace(f, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
}
