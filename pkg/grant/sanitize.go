package grant

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxFilenameLength = 200

var unsafeChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeFilename reduces a client-supplied filename to a single safe path
// element. Names with control characters or ".." segments are rejected rather
// than repaired.
func SanitizeFilename(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", invalid(ErrInvalidFilename, "not valid UTF-8")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", invalid(ErrInvalidFilename, "control character %U", r)
		}
	}

	normalized := strings.ReplaceAll(name, `\`, "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", invalid(ErrInvalidFilename, "path traversal")
		}
	}

	base := strings.TrimSpace(path.Base(normalized))
	if base == "" || base == "." || base == "/" {
		return "", invalid(ErrInvalidFilename, "empty name")
	}
	base = unsafeChars.Replace(base)

	if len(base) > maxFilenameLength {
		base = truncate(base, maxFilenameLength)
	}
	return base, nil
}

// truncate shortens name to at most limit bytes, keeping the extension and
// cutting on a rune boundary.
func truncate(name string, limit int) string {
	ext := path.Ext(name)
	if len(ext) >= limit {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]
	keep := limit - len(ext)
	for keep > 0 && !utf8.RuneStart(stem[keep]) {
		keep--
	}
	return stem[:keep] + ext
}
