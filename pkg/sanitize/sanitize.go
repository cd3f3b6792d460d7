package sanitize

import (
	"path"
	"regexp"
	"strings"
	"unicode"
)

// MaxFilenameLength bounds the object-key component derived from a filename
const MaxFilenameLength = 128

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Filename reduces a client-supplied name to a safe object-key component.
// Directories are dropped, runs of other characters become "_", and the tail
// is kept when the name is too long.
func Filename(name string) string {
	name = unsafeFilename.ReplaceAllString(path.Base(strings.ReplaceAll(name, "\\", "/")), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	if len(name) > MaxFilenameLength {
		name = name[len(name)-MaxFilenameLength:]
	}
	return name
}

// MessageText trims surrounding whitespace and removes control characters
// other than newline and tab
func MessageText(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range strings.TrimSpace(input) {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StripControlCharacters removes every control character
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
