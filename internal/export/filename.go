package export

import (
	"strings"
	"unicode"
)

const maxFilenameRunes = 50

// sanitizeFilename keeps ASCII letters, digits, '-' and '_' and turns runs
// of whitespace into a single hyphen.
func sanitizeFilename(title string) string {
	var b strings.Builder
	n := 0
	pendingDash := false
	for _, r := range strings.TrimSpace(title) {
		if n >= maxFilenameRunes {
			break
		}
		switch {
		case unicode.IsSpace(r):
			pendingDash = b.Len() > 0
			continue
		case r > unicode.MaxASCII:
			continue
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
		default:
			continue
		}
		if pendingDash {
			if n+1 >= maxFilenameRunes {
				break
			}
			b.WriteByte('-')
			n++
			pendingDash = false
		}
		b.WriteRune(r)
		n++
	}
	if b.Len() == 0 {
		return "transcript"
	}
	return b.String()
}
