package perception

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements never contribute visible text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Head:     true, // title is read separately
	atom.Template: true,
}

// extractHTML returns the dump's title (usually the foreground app)
// and its visible text. Controls without text are described by their
// accessible label so "Send" buttons drawn as icons still show up.
func extractHTML(raw string) (string, string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", cleanWhitespace(raw)
	}

	var b strings.Builder
	extractText(doc, &b)
	return strings.TrimSpace(findTitle(doc)), cleanWhitespace(b.String())
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return textContent(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func extractText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] || attr(n, "aria-hidden") == "true" || hasAttr(n, "hidden") {
			return
		}
		if isBlockElement(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n")
		}
		if label := controlLabel(n); label != "" {
			w.WriteString("[")
			w.WriteString(label)
			w.WriteString("] ")
			return
		}
	}

	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			w.WriteString(text)
			w.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

// controlLabel names an interactive element. It returns "" for
// anything that is not a control.
func controlLabel(n *html.Node) string {
	var kind string
	switch n.DataAtom {
	case atom.Button:
		kind = "button"
	case atom.Input, atom.Textarea:
		kind = "field"
	case atom.Img:
		kind = "image"
	case atom.A:
		kind = "link"
	default:
		if role := attr(n, "role"); role == "button" || role == "switch" || role == "checkbox" {
			kind = role
		} else {
			return ""
		}
	}

	label := strings.TrimSpace(textContent(n))
	for _, key := range []string{"aria-label", "alt", "title", "placeholder", "value"} {
		if label != "" {
			break
		}
		label = strings.TrimSpace(attr(n, key))
	}
	if label == "" {
		return ""
	}
	label = strings.Join(strings.Fields(label), " ")
	switch attr(n, "aria-checked") {
	case "true":
		label += " (on)"
	case "false":
		label += " (off)"
	}
	return kind + ": " + label
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Table, atom.Tr, atom.Header, atom.Footer,
		atom.Nav, atom.Form, atom.Dialog, atom.Li:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces within lines and drops
// blank lines.
func cleanWhitespace(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
