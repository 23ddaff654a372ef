// Package markdown экранирует пользовательский текст так, чтобы последующий
// рендеринг не принял его за разметку.
package markdown

import (
	"regexp"
	"strings"
)

const (
	urlPattern    = `(?P<url><[^: >]+:/[^ >]+>|(?:https?|steam)://[^\s<]+[^<.,:;"'\]\s])`
	commonPattern = `^>(?:>>)?\s|\[.+\]\(.+\)|^#{1,3}|^\s*-`
	stockPattern  = `(?P<markdown>[_\\~|\*` + "`" + `]|` + commonPattern + `)`
)

var escapeRegexp = regexp.MustCompile(`(?m)(?:` + urlPattern + `|` + stockPattern + `)`)

var (
	urlGroup      = escapeRegexp.SubexpIndex("url")
	markdownGroup = escapeRegexp.SubexpIndex("markdown")
)

// Escape экранирует специальные символы разметки обратной косой чертой.
// Ссылки остаются нетронутыми.
func Escape(text string) string {
	matches := escapeRegexp.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + len(matches))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		if m[2*urlGroup] >= 0 {
			b.WriteString(text[m[2*urlGroup]:m[2*urlGroup+1]])
		} else if m[2*markdownGroup] >= 0 {
			b.WriteByte('\\')
			b.WriteString(text[m[2*markdownGroup]:m[2*markdownGroup+1]])
		}
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}
