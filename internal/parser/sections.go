package parser

import (
	"strings"

	"github.com/dgallion1/clinfacts/internal/doctree"
)

// labelLevel is the depth given to "Label:" lines found inside documents
// that also have real headings, so labels nest under h1-h6 sections.
const labelLevel = 7

type sectionEntry struct {
	node  *doctree.DocNode
	level int
}

// sectionBuilder turns a flat stream of headings and text blocks into a
// nested doctree. Text is attached to the innermost open heading.
type sectionBuilder struct {
	root    *doctree.DocNode
	stack   []sectionEntry
	pending strings.Builder
}

func newSectionBuilder() *sectionBuilder {
	root := &doctree.DocNode{}
	return &sectionBuilder{
		root:  root,
		stack: []sectionEntry{{node: root, level: 0}},
	}
}

func (b *sectionBuilder) flush() {
	t := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	if t == "" {
		return
	}
	top := b.stack[len(b.stack)-1].node
	if top.Text != "" {
		top.Text += "\n\n" + t
	} else {
		top.Text = t
	}
}

// heading opens a section at level (1 = outermost), closing any open
// sections at the same or deeper level.
func (b *sectionBuilder) heading(level int, title string) {
	b.flush()
	n := &doctree.DocNode{Title: title}
	for len(b.stack) > 1 && b.stack[len(b.stack)-1].level >= level {
		b.stack = b.stack[:len(b.stack)-1]
	}
	parent := b.stack[len(b.stack)-1].node
	parent.Children = append(parent.Children, n)
	b.stack = append(b.stack, sectionEntry{node: n, level: level})
}

// block appends a paragraph to the current section.
func (b *sectionBuilder) block(t string) {
	t = strings.TrimSpace(t)
	if t == "" {
		return
	}
	if b.pending.Len() > 0 {
		b.pending.WriteString("\n\n")
	}
	b.pending.WriteString(t)
}

func (b *sectionBuilder) tree(title string) *doctree.DocTree {
	b.flush()
	tree := &doctree.DocTree{Title: title, Children: b.root.Children}
	if b.root.Text != "" {
		// Text before the first heading stays ahead of the sections.
		tree.Children = append([]*doctree.DocNode{{Text: b.root.Text}}, tree.Children...)
	}
	return tree
}

func trimExt(filename string, exts ...string) string {
	for _, ext := range exts {
		if strings.HasSuffix(strings.ToLower(filename), ext) {
			return filename[:len(filename)-len(ext)]
		}
	}
	return filename
}
