package overlay

// Script is the writing system a piece of text needs a face for.
type Script string

const (
	ScriptLatin Script = "latin"
	ScriptTamil Script = "tamil"
)

// Tamil Unicode block.
const (
	tamilFirst = '\u0B80'
	tamilLast  = '\u0BFF'
)

// HasTamil reports whether text contains any code point from the Tamil block.
func HasTamil(text string) bool {
	for _, r := range text {
		if r >= tamilFirst && r <= tamilLast {
			return true
		}
	}
	return false
}

// DetectScript picks the script a face must cover to draw text.
func DetectScript(text string) Script {
	if HasTamil(text) {
		return ScriptTamil
	}
	return ScriptLatin
}
