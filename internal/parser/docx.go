package parser

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dgallion1/clinfacts/internal/doctree"
	"github.com/fumiama/go-docx"
)

// DOCXParser handles notes saved as .docx. Heading styles open sections, and
// so do template labels such as "History of Present Illness:" on their own
// line.
type DOCXParser struct{}

func (p *DOCXParser) Parse(r io.Reader, filename string) (*doctree.DocTree, error) {
	f, size, err := spool(r, "clinfacts-note-*.docx")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	doc, err := docx.Parse(f, size)
	if err != nil {
		return nil, fmt.Errorf("parse docx: %w", err)
	}

	title := trimExt(filename, ".docx")
	b := newSectionBuilder()
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		text := docxParagraphText(para)
		if text == "" {
			continue
		}
		style := docxStyle(para)
		switch {
		case style == "title":
			title = text
		case docxHeadingLevel(style) > 0:
			b.heading(docxHeadingLevel(style), text)
		case isSectionHeader(text):
			b.heading(labelLevel, strings.TrimSuffix(text, ":"))
		default:
			b.block(text)
		}
	}
	return b.tree(title), nil
}

// docxStyle returns the paragraph style lowercased with spaces removed, so
// "Heading 1" and "Heading1" compare equal.
func docxStyle(para *docx.Paragraph) string {
	if para.Properties == nil || para.Properties.Style == nil {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(para.Properties.Style.Val, " ", ""))
}

func docxHeadingLevel(style string) int {
	rest, ok := strings.CutPrefix(style, "heading")
	if !ok || len(rest) != 1 || rest[0] < '1' || rest[0] > '6' {
		return 0
	}
	return int(rest[0] - '0')
}

func docxParagraphText(para *docx.Paragraph) string {
	var buf strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
