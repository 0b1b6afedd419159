package parser

import (
	"bytes"
	"io"
	"strings"

	"github.com/dgallion1/clinfacts/internal/doctree"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownParser handles Markdown notes using goldmark. List items stay one
// per line and a paragraph holding only "Label:" opens a subsection.
type MarkdownParser struct{}

func (p *MarkdownParser) Parse(r io.Reader, filename string) (*doctree.DocTree, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	b := newSectionBuilder()
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n := n.(type) {
		case *ast.Heading:
			b.heading(n.Level, extractText(n, src))
		case *ast.List:
			b.block(listText(n, src))
		default:
			t := extractText(n, src)
			if isSectionHeader(t) {
				b.heading(labelLevel, strings.TrimSuffix(t, ":"))
			} else {
				b.block(t)
			}
		}
	}
	return b.tree(trimExt(filename, ".markdown", ".md")), nil
}

// listText renders each item of a list on its own "- " line.
func listText(l *ast.List, src []byte) string {
	var lines []string
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		if t := extractText(item, src); t != "" {
			lines = append(lines, "- "+strings.ReplaceAll(t, "\n", " "))
		}
	}
	return strings.Join(lines, "\n")
}

// extractText gets the text content of a goldmark AST node. Raw block lines
// are used only for leaf blocks such as fenced code.
func extractText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	if n.Type() == ast.TypeBlock && n.ChildCount() == 0 {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			buf.Write(line.Value(src))
		}
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Text:
			buf.Write(c.Value(src))
			if c.HardLineBreak() || c.SoftLineBreak() {
				buf.WriteByte('\n')
			}
		default:
			buf.WriteString(extractText(c, src))
			if c.Type() == ast.TypeBlock {
				buf.WriteByte('\n')
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
