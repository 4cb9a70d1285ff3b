// Package sanitize reduces user input to escaped plain text.
package sanitize

import (
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"unicode/utf8"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrMalformed is returned for input that cannot be tokenized.
var ErrMalformed = errors.New("sanitize: malformed content")

// Clean strips markup from raw, joins the remaining text runs with single
// spaces and HTML-escapes the result. Script and style bodies are dropped.
// An empty result is not an error.
func Clean(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}
	if strings.IndexByte(raw, 0) >= 0 {
		return "", fmt.Errorf("%w: NUL byte", ErrMalformed)
	}

	z := xhtml.NewTokenizer(strings.NewReader(raw))
	var (
		parts []string
		skip  int
	)
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			return html.EscapeString(strings.Join(parts, " ")), nil
		case xhtml.StartTagToken:
			if a := tagAtom(z); a == atom.Script || a == atom.Style {
				skip++
			}
		case xhtml.EndTagToken:
			if a := tagAtom(z); (a == atom.Script || a == atom.Style) && skip > 0 {
				skip--
			}
		case xhtml.TextToken:
			if skip > 0 {
				continue
			}
			if s := strings.TrimSpace(string(z.Text())); s != "" {
				parts = append(parts, s)
			}
		}
	}
}

func tagAtom(z *xhtml.Tokenizer) atom.Atom {
	name, _ := z.TagName()
	return atom.Lookup(name)
}
