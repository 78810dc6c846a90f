package sentence

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownSplitter strips markdown formatting via a goldmark AST walk
// before handing the resulting plain text to a Splitter. Grounded on the
// teacher's markdown-to-plain-text extraction: code blocks are either
// omitted or replaced with a placeholder, headings/paragraphs/list items
// are terminated with a period so the punctuation splitter sees sentence
// boundaries at structural breaks.
type MarkdownSplitter struct {
	inner          *Splitter
	skipCodeBlocks bool
}

// NewMarkdown constructs a MarkdownSplitter. skipCodeBlocks controls
// whether fenced/indented code blocks are omitted entirely (true) or
// replaced with a "[Code block omitted]" placeholder (false).
func NewMarkdown(inner *Splitter, skipCodeBlocks bool) *MarkdownSplitter {
	return &MarkdownSplitter{inner: inner, skipCodeBlocks: skipCodeBlocks}
}

// Split extracts plain, speakable text from markdown and splits it into
// sentences using the wrapped Splitter.
func (m *MarkdownSplitter) Split(markdown string) []string {
	return m.inner.Split(m.StripMarkdown(markdown))
}

// StripMarkdown renders markdown down to plain speakable text.
func (m *MarkdownSplitter) StripMarkdown(markdown string) string {
	md := goldmark.New()
	reader := text.NewReader([]byte(markdown))
	doc := md.Parser().Parse(reader)
	source := reader.Source()

	var buf strings.Builder
	m.walk(doc, source, &buf)
	return buf.String()
}

func (m *MarkdownSplitter) walk(node ast.Node, source []byte, buf *strings.Builder) {
	switch n := node.(type) {
	case *ast.CodeBlock, *ast.FencedCodeBlock:
		if m.skipCodeBlocks {
			return
		}
		buf.WriteString("[Code block omitted] ")
		return

	case *ast.HTMLBlock:
		return

	case *ast.Text:
		buf.Write(n.Segment.Value(source))
		return

	case *ast.CodeSpan:
		buf.WriteString("`")
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				buf.Write(t.Segment.Value(source))
			}
		}
		buf.WriteString("`")
		return

	case *ast.Heading:
		m.walkChildren(n, source, buf)
		buf.WriteString(". ")
		return

	case *ast.Paragraph:
		m.walkChildren(n, source, buf)
		terminateOrSpace(buf)
		return

	case *ast.ListItem:
		m.walkChildren(n, source, buf)
		buf.WriteString(". ")
		return

	case *ast.Image:
		buf.WriteString("[Image]")
		return

	case *ast.ThematicBreak:
		buf.WriteString(". ")
		return
	}

	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		m.walk(c, source, buf)
	}
}

func (m *MarkdownSplitter) walkChildren(node ast.Node, source []byte, buf *strings.Builder) {
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		m.walk(c, source, buf)
	}
}

// terminateOrSpace ensures a structural break reads as a sentence boundary
// unless the text already ends in terminating punctuation.
func terminateOrSpace(buf *strings.Builder) {
	content := buf.String()
	if content == "" {
		return
	}
	last := rune(content[len(content)-1])
	if terminators[last] || last == ':' {
		buf.WriteString(" ")
		return
	}
	buf.WriteString(". ")
}
