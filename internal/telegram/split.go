package telegram

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var htmlTag = regexp.MustCompile(`<(/?)([a-zA-Z][a-zA-Z0-9-]*)[^>]*>`)

// splitText cuts HTML text into chunks of at most limit runes, preferring
// line boundaries. Cuts never fall inside a tag or an entity, and tags left
// open at a cut are closed there and reopened in the next chunk.
func splitText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var b strings.Builder
	runes := 0
	flush := func() {
		if b.Len() > 0 {
			chunks = append(chunks, strings.TrimSuffix(b.String(), "\n"))
			b.Reset()
			runes = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if runes+n > limit {
			flush()
		}
		for n > limit {
			cut := safeCut(line, limit)
			chunks = append(chunks, line[:cut])
			line = line[cut:]
			n = utf8.RuneCountInString(line)
		}
		b.WriteString(line)
		runes += n
	}
	flush()
	return balanceTags(chunks)
}

// safeCut returns the byte offset of the first limit runes of s, moved back
// to the start of any tag or entity the offset would split.
func safeCut(s string, limit int) int {
	cut, runes := len(s), 0
	for i := range s {
		if runes == limit {
			cut = i
			break
		}
		runes++
	}
	head := s[:cut]
	if lt := strings.LastIndexByte(head, '<'); lt > 0 && !strings.Contains(head[lt:], ">") {
		cut = lt
	}
	if amp := strings.LastIndexByte(s[:cut], '&'); amp > 0 && !strings.Contains(s[amp:cut], ";") {
		cut = amp
	}
	return cut
}

// balanceTags closes the tags each chunk leaves open and reopens them at the
// start of the next one. Chunks holding nothing but markup are dropped.
// Telegram counts the length limit on parsed text,
// so the added markup does not push a chunk over it.
func balanceTags(chunks []string) []string {
	var open []string // full opening tags, outermost first
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		prefix := strings.Join(open, "")
		open = trackTags(open, chunk)
		if strings.TrimSpace(htmlTag.ReplaceAllString(chunk, "")) == "" {
			// nothing visible left, e.g. only the closing tags after a cut
			continue
		}

		var b strings.Builder
		b.WriteString(prefix)
		b.WriteString(chunk)
		for j := len(open) - 1; j >= 0; j-- {
			b.WriteString("</" + tagName(open[j]) + ">")
		}
		out = append(out, b.String())
	}
	return out
}

func trackTags(open []string, chunk string) []string {
	for _, m := range htmlTag.FindAllStringSubmatch(chunk, -1) {
		if m[1] == "" {
			open = append(open, m[0])
			continue
		}
		for j := len(open) - 1; j >= 0; j-- {
			if tagName(open[j]) == strings.ToLower(m[2]) {
				open = append(open[:j], open[j+1:]...)
				break
			}
		}
	}
	return open
}

func tagName(tag string) string {
	m := htmlTag.FindStringSubmatch(tag)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[2])
}
