package parser

import (
	"strings"
	"testing"
)

func TestHTMLParser_SectionsAndTitle(t *testing.T) {
	input := `<html><head><title>ED Note</title><style>p{}</style></head>
<body>
<header>Hospital banner</header>
<h2>Chief Complaint</h2>
<p>Shortness of breath.</p>
<h2>Medications</h2>
<ul><li>Lisinopril 10 mg</li><li>Metformin 500 mg</li></ul>
<script>var x = 1;</script>
</body></html>`
	p := &HTMLParser{}
	tree, err := p.Parse(strings.NewReader(input), "ed.html")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Title != "ED Note" {
		t.Errorf("expected title from <title>, got %q", tree.Title)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(tree.Children))
	}
	if tree.Children[0].Text != "Shortness of breath." {
		t.Errorf("unexpected first section text %q", tree.Children[0].Text)
	}
	if tree.Children[1].Text != "Lisinopril 10 mg\n\nMetformin 500 mg" {
		t.Errorf("unexpected medication text %q", tree.Children[1].Text)
	}
	if strings.Contains(tree.Flatten(), "banner") || strings.Contains(tree.Flatten(), "var x") {
		t.Errorf("expected header and script to be skipped, got %q", tree.Flatten())
	}
}

func TestHTMLParser_TablesAndLabels(t *testing.T) {
	input := `<html><body>
<h1>Progress Note</h1>
<p><b>Vitals:</b></p>
<table>
<tr><th>BP</th><th>HR</th></tr>
<tr><td>120/80</td><td> 72 </td></tr>
</table>
<p>Assessment:</p>
<p>Stable.</p>
</body></html>`
	tree, err := (&HTMLParser{}).Parse(strings.NewReader(input), "progress.html")
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
	if labels[0].Title != "Vitals" || labels[0].Text != "BP | HR\n\n120/80 | 72" {
		t.Errorf("unexpected vitals section %q: %q", labels[0].Title, labels[0].Text)
	}
	if labels[1].Title != "Assessment" || labels[1].Text != "Stable." {
		t.Errorf("unexpected assessment section %q: %q", labels[1].Title, labels[1].Text)
	}
}

func TestHeadingLevel(t *testing.T) {
	for tag, want := range map[string]int{"h1": 1, "h6": 6, "h7": 0, "p": 0, "hr": 0, "": 0} {
		if got := headingLevel(tag); got != want {
			t.Errorf("headingLevel(%q) = %d, want %d", tag, got, want)
		}
	}
}
