package anki

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML flattens an Anki field to plain text: tags removed, <br> and
// block elements become newlines, entities decoded. Anki fields are HTML
// fragments, so parsing happens in a body context.
func StripHTML(field string) string {
	if !strings.ContainsAny(field, "<&") {
		return strings.TrimSpace(field)
	}

	nodes, err := html.ParseFragment(strings.NewReader(field), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: 0,
	})
	if err != nil {
		return strings.TrimSpace(field)
	}

	var b strings.Builder
	for _, n := range nodes {
		flatten(n, &b)
	}
	return collapse(b.String())
}

func flatten(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
	case html.ElementNode:
		switch n.Data {
		case "br":
			b.WriteString("\n")
		case "style", "script":
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		flatten(c, b)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "div", "p", "li", "tr":
			b.WriteString("\n")
		}
	}
}

// collapse trims the flattened text: runs of spaces become one, blank lines
// drop, the result is newline-joined.
func collapse(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
