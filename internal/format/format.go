// Package format renders sanitized toast text for display.
//
// Render is pure: it is applied when a toast is read from the store or
// received from a sibling, and its output is never persisted.
package format

import (
	"fmt"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?:(?://|\\\\)+[\w:#@%/;$()~?+,\-=.&!]*`)

var imageExts = map[string]bool{"jpeg": true, "jpg": true, "gif": true, "png": true}

// Render turns links in plain into anchors. Image links become inline images,
// YouTube links become embedded players and imgur .gifv links become videos.
func Render(plain string) string {
	matches := urlPattern.FindAllStringIndex(plain, -1)
	if len(matches) == 0 {
		return plain
	}

	var b strings.Builder
	b.Grow(len(plain) + 64*len(matches))
	last := 0
	for _, m := range matches {
		b.WriteString(plain[last:m[0]])
		b.WriteString(renderLink(plain[m[0]:m[1]]))
		last = m[1]
	}
	b.WriteString(plain[last:])
	return b.String()
}

func renderLink(link string) string {
	ext := ""
	if i := strings.LastIndexByte(link, '.'); i >= 0 {
		ext = link[i+1:]
	}

	switch {
	case strings.Contains(link, "youtube.com/watch?v="):
		id := after(link, "youtube.com/watch?v=")
		id, _, _ = strings.Cut(id, "&")
		return youtubeEmbed(id)
	case strings.Contains(link, "youtu.be/"):
		id := after(link, "youtu.be/")
		id, _, _ = strings.Cut(id, "?")
		return youtubeEmbed(id)
	case imageExts[strings.ToLower(ext)]:
		return fmt.Sprintf(`<a href="%s"><img src="%s" /></a>`, link, link)
	case strings.Contains(link, "imgur") && strings.EqualFold(ext, "gifv"):
		return gifvEmbed(link)
	default:
		return fmt.Sprintf(`<a href="%s">%s</a>`, link, link)
	}
}

func after(s, sep string) string {
	i := strings.LastIndex(s, sep)
	return s[i+len(sep):]
}

func youtubeEmbed(id string) string {
	return fmt.Sprintf(`<iframe title="Embedded YouTube" width="480" height="390" `+
		`src="https://www.youtube.com/embed/%s" frameborder="0" allowfullscreen></iframe>`, id)
}

// gifvEmbed plays the mp4 imgur serves behind every .gifv link.
func gifvEmbed(link string) string {
	id := strings.TrimSuffix(link[strings.LastIndexByte(link, '/')+1:], link[strings.LastIndexByte(link, '.'):])
	return fmt.Sprintf(`<video poster="https://i.imgur.com/%[1]sh.jpg" preload="auto" autoplay="autoplay" `+
		`muted="muted" loop="loop" width="500" height="370">`+
		`<source src="https://i.imgur.com/%[1]s.mp4" type="video/mp4"></video>`, id)
}
