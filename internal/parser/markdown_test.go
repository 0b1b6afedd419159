package parser

import (
	"strings"
	"testing"
)

func TestMarkdownParser_HeadingHierarchy(t *testing.T) {
	input := `# Discharge Summary

Admitted for pneumonia.

## Hospital Course

Treated with ceftriaxone.

### Day 2

Afebrile.

## Follow-up

PCP in one week.
`
	p := &MarkdownParser{}
	tree, err := p.Parse(strings.NewReader(input), "dc.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Title != "dc" {
		t.Errorf("expected title %q, got %q", "dc", tree.Title)
	}
	if len(tree.Children) != 1 {
		t.Fatalf("expected 1 top-level child, got %d", len(tree.Children))
	}
	h1 := tree.Children[0]
	if h1.Title != "Discharge Summary" || h1.Text != "Admitted for pneumonia." {
		t.Errorf("unexpected h1 %q / %q", h1.Title, h1.Text)
	}
	if len(h1.Children) != 2 {
		t.Fatalf("expected 2 h2 children, got %d", len(h1.Children))
	}
	course := h1.Children[0]
	if course.Title != "Hospital Course" || len(course.Children) != 1 {
		t.Fatalf("unexpected hospital course node %+v", course)
	}
	if course.Children[0].Text != "Afebrile." {
		t.Errorf("expected nested h3 text, got %q", course.Children[0].Text)
	}
	if h1.Children[1].Title != "Follow-up" {
		t.Errorf("expected second h2 %q, got %q", "Follow-up", h1.Children[1].Title)
	}
}

func TestMarkdownParser_NoHeadings(t *testing.T) {
	p := &MarkdownParser{}
	tree, err := p.Parse(strings.NewReader("Line one.\n\nLine two."), "plain.markdown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Title != "plain" {
		t.Errorf("expected title %q, got %q", "plain", tree.Title)
	}
	if len(tree.Children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(tree.Children))
	}
	if tree.Children[0].Text != "Line one.\n\nLine two." {
		t.Errorf("unexpected text %q", tree.Children[0].Text)
	}
}

func TestMarkdownParser_PrefaceKeptBeforeSections(t *testing.T) {
	p := &MarkdownParser{}
	tree, err := p.Parse(strings.NewReader("Signed by resident.\n\n# Plan\n\nContinue fluids."), "n.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flat := tree.Flatten()
	if flat != "Signed by resident.\n\nPlan\n\nContinue fluids." {
		t.Errorf("unexpected flattened text %q", flat)
	}
}

func TestMarkdownParser_ListsAndLabels(t *testing.T) {
	input := `# Clinic Visit

**Medications:**

- Lisinopril 10 mg daily
- Metformin 500 mg
  twice daily

Plan:

Recheck A1c in 3 months.
`
	tree, err := (&MarkdownParser{}).Parse(strings.NewReader(input), "visit.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tree.Children) != 1 {
		t.Fatalf("expected 1 top-level section, got %d", len(tree.Children))
	}
	labels := tree.Children[0].Children
	if len(labels) != 2 {
		t.Fatalf("expected 2 labelled subsections, got %d", len(labels))
	}
	if labels[0].Title != "Medications" {
		t.Errorf("expected Medications label, got %q", labels[0].Title)
	}
	if want := "- Lisinopril 10 mg daily\n- Metformin 500 mg twice daily"; labels[0].Text != want {
		t.Errorf("expected list text %q, got %q", want, labels[0].Text)
	}
	if labels[1].Title != "Plan" || labels[1].Text != "Recheck A1c in 3 months." {
		t.Errorf("unexpected plan section %q: %q", labels[1].Title, labels[1].Text)
	}
}
