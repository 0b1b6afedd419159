package parser

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/dgallion1/clinfacts/internal/doctree"
)

// TextParser handles plain-text notes. Lines such as "CHIEF COMPLAINT:" or
// "Assessment and Plan:" open a section; blank lines separate paragraphs.
type TextParser struct{}

func (p *TextParser) Parse(r io.Reader, filename string) (*doctree.DocTree, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	tree := parsePlainNote(string(raw))
	tree.Title = trimExt(filename, ".txt")
	return tree, nil
}

// sectionHeaderRe matches a short line ending in a colon with nothing after it.
var sectionHeaderRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 &/()'-]{1,48}:$`)

func isSectionHeader(line string) bool {
	return sectionHeaderRe.MatchString(line)
}

func parsePlainNote(s string) *doctree.DocTree {
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	b := newSectionBuilder()
	var para strings.Builder
	endPara := func() {
		b.block(para.String())
		para.Reset()
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			endPara()
		case isSectionHeader(trimmed):
			endPara()
			b.heading(1, strings.TrimSuffix(trimmed, ":"))
		default:
			if para.Len() > 0 {
				para.WriteString("\n")
			}
			para.WriteString(line)
		}
	}
	endPara()
	return b.tree("")
}
