package delivery

import (
	"html"
	"regexp"
	"strings"
)

// ContentType represents the type of text content.
type ContentType int

const (
	// ContentTypePlain represents plain text without formatting.
	ContentTypePlain ContentType = iota
	// ContentTypeMarkdown represents text with markdown formatting.
	ContentTypeMarkdown
	// ContentTypeCode represents text with code blocks.
	ContentTypeCode
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\\n]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	underlineRe  = regexp.MustCompile(`__([^_\n]+)__`)
	strikeRe     = regexp.MustCompile(`~~([^~\n]+)~~`)
	italicStarRe = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUndRe  = regexp.MustCompile(`(^|[\s(])_([^_\n]+)_`)
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
)

// DetectContentType determines the content type of the text.
func DetectContentType(text string) ContentType {
	if strings.Contains(text, "`") {
		return ContentTypeCode
	}
	for _, re := range []*regexp.Regexp{boldRe, underlineRe, strikeRe, italicStarRe, italicUndRe, linkRe} {
		if re.MatchString(text) {
			return ContentTypeMarkdown
		}
	}
	return ContentTypePlain
}

// segment is a piece of text that is either code or prose.
type segment struct {
	text  string
	lang  string
	block bool
	code  bool
}

// splitCode separates fenced and inline code from prose so formatting rules
// never touch code.
func splitCode(text string) []segment {
	var out []segment
	prose := func(s string) {
		last := 0
		for _, m := range inlineCodeRe.FindAllStringSubmatchIndex(s, -1) {
			if m[0] > last {
				out = append(out, segment{text: s[last:m[0]]})
			}
			out = append(out, segment{text: s[m[2]:m[3]], code: true})
			last = m[1]
		}
		if last < len(s) {
			out = append(out, segment{text: s[last:]})
		}
	}

	last := 0
	for _, m := range codeBlockRe.FindAllStringSubmatchIndex(text, -1) {
		prose(text[last:m[0]])
		out = append(out, segment{text: text[m[4]:m[5]], lang: text[m[2]:m[3]], block: true, code: true})
		last = m[1]
	}
	prose(text[last:])
	return out
}

// MarkdownToHTML converts common markdown to the HTML subset Telegram accepts.
func MarkdownToHTML(markdown string) string {
	var b strings.Builder
	for _, seg := range splitCode(markdown) {
		switch {
		case seg.block && seg.lang != "":
			b.WriteString(`<pre><code class="language-` + seg.lang + `">` + html.EscapeString(seg.text) + "</code></pre>")
		case seg.block:
			b.WriteString("<pre><code>" + html.EscapeString(seg.text) + "</code></pre>")
		case seg.code:
			b.WriteString("<code>" + html.EscapeString(seg.text) + "</code>")
		default:
			s := html.EscapeString(seg.text)
			s = linkRe.ReplaceAllString(s, `<a href="$2">$1</a>`)
			s = boldRe.ReplaceAllString(s, "<b>$1</b>")
			s = underlineRe.ReplaceAllString(s, "<u>$1</u>")
			s = strikeRe.ReplaceAllString(s, "<s>$1</s>")
			s = italicStarRe.ReplaceAllString(s, "<i>$1</i>")
			s = italicUndRe.ReplaceAllString(s, "$1<i>$2</i>")
			b.WriteString(s)
		}
	}
	return b.String()
}

// StripFormatting removes markdown formatting. Used as the last fallback
// when Telegram rejects formatted text.
func StripFormatting(text string) string {
	var b strings.Builder
	for _, seg := range splitCode(text) {
		if seg.code {
			b.WriteString(seg.text)
			continue
		}
		s := linkRe.ReplaceAllString(seg.text, "$1 ($2)")
		s = boldRe.ReplaceAllString(s, "$1")
		s = underlineRe.ReplaceAllString(s, "$1")
		s = strikeRe.ReplaceAllString(s, "$1")
		s = italicStarRe.ReplaceAllString(s, "$1")
		s = italicUndRe.ReplaceAllString(s, "$1$2")
		b.WriteString(s)
	}
	return b.String()
}

// SplitMessage cuts text into chunks of at most maxRunes runes, preferring
// line breaks and then spaces as cut points.
func SplitMessage(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > maxRunes {
		cut := lastIndex(runes[:maxRunes], '\n')
		if cut <= 0 {
			cut = lastIndex(runes[:maxRunes], ' ')
		}
		if cut <= 0 {
			cut = maxRunes
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastIndex(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}
