package overlay

import (
	"strings"

	"golang.org/x/image/font"
)

// Measure returns the rendered width of s in pixels.
type Measure func(s string) float64

// FaceMeasure measures strings with face.
func FaceMeasure(face font.Face) Measure {
	return func(s string) float64 {
		return float64(font.MeasureString(face, s)) / 64
	}
}

// Wrap greedily packs the words of text into lines no wider than maxWidth.
// A word wider than maxWidth on its own gets its own line; words are never split.
func Wrap(text string, measure Measure, maxWidth float64) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var lines []string
	current := ""
	for _, word := range words {
		if current == "" {
			current = word
			continue
		}
		candidate := current + " " + word
		if measure(candidate) > maxWidth {
			lines = append(lines, current)
			current = word
			continue
		}
		current = candidate
	}
	return append(lines, current)
}

// lineHeight is the baseline-to-baseline distance for face.
func lineHeight(face font.Face) float64 {
	return float64(face.Metrics().Height.Ceil())
}

// truncate shortens s with a trailing ellipsis until it fits maxWidth.
func truncate(s string, measure Measure, maxWidth float64) string {
	if measure(s) <= maxWidth {
		return s
	}
	const ellipsis = "..."
	runes := []rune(s)
	for n := len(runes) - 1; n > 0; n-- {
		cut := strings.TrimRight(string(runes[:n]), " ") + ellipsis
		if measure(cut) <= maxWidth {
			return cut
		}
	}
	return ellipsis
}
