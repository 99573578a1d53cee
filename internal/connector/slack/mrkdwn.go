package slackconn

import (
	"fmt"
	"strings"
)

// MarkdownToMrkdwn converts standard Markdown to Slack's mrkdwn format.
func MarkdownToMrkdwn(md string) string {
	lines := strings.Split(md, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		// Slack has no headings; render them bold.
		if trimmed := strings.TrimLeft(line, "#"); trimmed != line && strings.HasPrefix(trimmed, " ") {
			line = "**" + strings.TrimSpace(trimmed) + "**"
		}
		line = convertEmphasis(line)
		line = strings.ReplaceAll(line, "~~", "~")
		lines[i] = convertLinks(line)
	}
	return strings.Join(lines, "\n")
}

// convertEmphasis handles both bold (**text** → *text*) and italic (*text* → _text_)
// in a single pass, leaving inline code untouched.
func convertEmphasis(s string) string {
	var b strings.Builder
	inCode := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '`':
			inCode = !inCode
			b.WriteByte(ch)
		case ch == '*' && !inCode && i+1 < len(s) && s[i+1] == '*':
			b.WriteByte('*')
			i++
		case ch == '*' && !inCode && (i+1 == len(s) || s[i+1] == ' ') && (i == 0 || s[i-1] == ' '):
			// A lone star surrounded by spaces is a list marker or literal.
			b.WriteByte(ch)
		case ch == '*' && !inCode:
			b.WriteByte('_')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// convertLinks converts [text](url) to <url|text>.
func convertLinks(s string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(s, '[')
		if open < 0 {
			break
		}
		mid := strings.Index(s[open:], "](")
		if mid < 0 {
			break
		}
		mid += open
		end := strings.IndexByte(s[mid:], ')')
		if end < 0 {
			break
		}
		end += mid

		b.WriteString(s[:open])
		fmt.Fprintf(&b, "<%s|%s>", s[mid+2:end], s[open+1:mid])
		s = s[end+1:]
	}
	b.WriteString(s)
	return b.String()
}
