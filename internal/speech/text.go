package speech

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PlainText turns a model reply into something a TTS engine can read.
// The reply is rendered as markdown and only its text is kept, so
// emphasis markers, link targets, and code blocks are not read aloud.
// Consecutive blocks (paragraphs, headings, list items) are joined as
// sentences.
func PlainText(reply string) string {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(reply), &buf); err != nil {
		return collapse(reply)
	}
	doc, err := html.Parse(&buf)
	if err != nil {
		return collapse(reply)
	}

	var s speakable
	s.walk(doc)
	s.flush()
	return s.String()
}

type speakable struct {
	parts []string
	cur   strings.Builder
}

func (s *speakable) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		s.cur.WriteString(n.Data)
		return
	case html.ElementNode:
		if n.DataAtom == atom.Pre {
			return
		}
	}

	block := n.Type == html.ElementNode && isBlock(n.DataAtom)
	if block {
		s.flush()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.walk(c)
	}
	if block {
		s.flush()
	}
}

func (s *speakable) flush() {
	if t := collapse(s.cur.String()); t != "" {
		s.parts = append(s.parts, t)
	}
	s.cur.Reset()
}

func (s *speakable) String() string {
	for i := 0; i < len(s.parts)-1; i++ {
		if !endsSentence(s.parts[i]) {
			s.parts[i] += "."
		}
	}
	return strings.Join(s.parts, " ")
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Li, atom.Br, atom.Blockquote, atom.Tr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func endsSentence(s string) bool {
	switch s[len(s)-1] {
	case '.', '!', '?', ':', ';', ',':
		return true
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
