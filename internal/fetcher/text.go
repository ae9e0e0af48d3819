package fetcher

import (
	"strings"

	"golang.org/x/net/html"
)

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "svg": true, "head": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "header": true, "footer": true,
	"time": true, "address": true, "table": true,
}

// Text turns a rendered page into plain text for the model: scripts and styles are
// dropped, block elements become line breaks, whitespace is collapsed and the result
// is cut at maxChars runes (0 means no limit).
func Text(htmlContent string, maxChars int) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(strings.Join(strings.Fields(n.Data), " "))
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	traverse(doc)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	out := strings.Join(lines, "\n")
	if maxChars > 0 {
		if r := []rune(out); len(r) > maxChars {
			out = string(r[:maxChars])
		}
	}
	return out
}

// Title returns the document <title>, or "" when there is none.
func Title(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return ""
	}
	var title string
	var find func(*html.Node)
	find = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return title
}
