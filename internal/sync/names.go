package sync

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/poesterlin/tolino-calibre-sync/internal/calibre"
)

// illegalNameChars are replaced in staged file names. The cloud uses the
// uploaded file name as the initial title, so it must survive every
// filesystem and multipart encoding on the way.
const illegalNameChars = `"*:<>?/\|`

// maxNameRunes bounds the name stem, leaving room for the extension.
const maxNameRunes = 150

// selectFormat returns the first preferred format the book offers, spelled
// as the library lists it.
func selectFormat(b *calibre.Book, preferred []string) (string, bool) {
	for _, want := range preferred {
		if have, ok := b.LookupFormat(want); ok {
			return have, true
		}
	}

	return "", false
}

// stagingFileName builds "Title - Author1, Author2.ext", NFC-normalized and
// stripped of characters unsafe in file names.
func stagingFileName(b *calibre.Book, format string) string {
	stem := strings.TrimSpace(b.Title)
	if len(b.Authors) > 0 {
		stem += " - " + strings.Join(b.Authors, ", ")
	}

	stem = sanitizeName(stem)
	if stem == "" {
		stem = "book-" + strconv.Itoa(b.ID)
	}

	return stem + "." + strings.ToLower(format)
}

func sanitizeName(s string) string {
	s = norm.NFC.String(s)

	var sb strings.Builder
	sb.Grow(len(s))

	for _, r := range s {
		switch {
		case r == utf8.RuneError, unicode.IsControl(r):
			continue
		case strings.ContainsRune(illegalNameChars, r):
			sb.WriteRune('_')
		default:
			sb.WriteRune(r)
		}
	}

	out := []rune(sb.String())
	if len(out) > maxNameRunes {
		out = out[:maxNameRunes]
	}

	return strings.Trim(string(out), " .")
}
