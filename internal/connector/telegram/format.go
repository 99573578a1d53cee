package telegram

import (
	"regexp"
	"strings"
)

// MarkdownToTelegramHTML converts the Markdown produced by plans and status
// messages to Telegram's HTML subset. Fenced code is escaped verbatim,
// headings become bold lines and list dashes become bullets.
func MarkdownToTelegramHTML(md string) string {
	lines := strings.Split(md, "\n")
	out := make([]string, 0, len(lines))
	inFence := false

	for _, line := range lines {
		if lang, ok := strings.CutPrefix(line, "```"); ok {
			switch {
			case inFence:
				out = append(out, "</code></pre>")
			case strings.TrimSpace(lang) != "":
				out = append(out, `<pre><code class="language-`+escapeHTML(strings.TrimSpace(lang))+`">`)
			default:
				out = append(out, "<pre><code>")
			}
			inFence = !inFence
			continue
		}
		if inFence {
			out = append(out, escapeHTML(line))
			continue
		}
		out = append(out, renderLine(line))
	}
	if inFence {
		out = append(out, "</code></pre>")
	}

	// Fence markers sit on their own lines in Markdown but must hug the code in HTML.
	html := strings.Join(out, "\n")
	html = strings.ReplaceAll(html, "\">\n", "\">")
	html = strings.ReplaceAll(html, "<pre><code>\n", "<pre><code>")
	return strings.ReplaceAll(html, "\n</code></pre>", "</code></pre>")
}

var (
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reItalic     = regexp.MustCompile(`\*(.+?)\*`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reHeading    = regexp.MustCompile(`^#{1,6}\s+(.*)$`)
	reBullet     = regexp.MustCompile(`^(\s*)[-*]\s+`)
	reFence      = regexp.MustCompile("```[^\\n]*\\n?([\\s\\S]*?)```")
)

func renderLine(line string) string {
	heading := false
	if m := reHeading.FindStringSubmatch(line); m != nil {
		line, heading = m[1], true
	}
	line = reBullet.ReplaceAllString(line, "$1• ")

	// Pull code spans out so their contents are not formatted.
	var spans []string
	line = reInlineCode.ReplaceAllStringFunc(line, func(match string) string {
		spans = append(spans, "<code>"+escapeHTML(match[1:len(match)-1])+"</code>")
		return "\x00" + string(rune('0'+len(spans)-1)) + "\x00"
	})

	line = escapeHTML(line)
	line = reBold.ReplaceAllString(line, "<b>$1</b>")
	line = reItalic.ReplaceAllString(line, "<i>$1</i>")
	line = reStrike.ReplaceAllString(line, "<s>$1</s>")
	line = reLink.ReplaceAllString(line, `<a href="$2">$1</a>`)

	for i, s := range spans {
		line = strings.Replace(line, "\x00"+string(rune('0'+i))+"\x00", s, 1)
	}
	if heading {
		line = "<b>" + line + "</b>"
	}
	return line
}

func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// StripMarkdown removes Markdown formatting, returning plain text for the
// fallback path when Telegram refuses the HTML rendering.
func StripMarkdown(md string) string {
	result := reFence.ReplaceAllString(md, "$1")
	result = reInlineCode.ReplaceAllString(result, "$1")
	result = reBold.ReplaceAllString(result, "$1")
	result = reItalic.ReplaceAllString(result, "$1")
	result = reStrike.ReplaceAllString(result, "$1")
	result = reLink.ReplaceAllString(result, "$1 ($2)")
	return result
}
