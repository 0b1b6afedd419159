package parser

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/dgallion1/clinfacts/internal/doctree"
	pdflib "github.com/ledongthuc/pdf"
)

// PDFParser handles notes exported or printed to PDF. Text comes from
// ledongthuc/pdf, with pdftotext as an optional fallback.
type PDFParser struct {
	FallbackPdftotext bool
}

func (p *PDFParser) Parse(r io.Reader, filename string) (*doctree.DocTree, error) {
	f, size, err := spool(r, "clinfacts-note-*.pdf")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	defer f.Close()

	pages, err := pdfPages(f, size)
	if err != nil && p.FallbackPdftotext {
		pages, err = pdftotextPages(f.Name())
	}
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	tree := &doctree.DocTree{Title: trimExt(filename, ".pdf")}
	for i, page := range stripPageFurniture(pages) {
		if strings.TrimSpace(page) == "" {
			continue
		}
		// Each page reads like a plain-text note so section headers survive.
		sub := parsePlainNote(page)
		for _, n := range sub.Children {
			n.Page = i + 1
		}
		tree.Children = append(tree.Children, sub.Children...)
	}
	return tree, nil
}

func pdfPages(f *os.File, size int64) ([]string, error) {
	reader, err := pdflib.NewReader(f, size)
	if err != nil {
		return nil, err
	}
	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func pdftotextPages(path string) ([]string, error) {
	out, err := exec.Command("pdftotext", "-layout", path, "-").Output()
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}
	return strings.Split(strings.TrimSuffix(string(out), "\f"), "\f"), nil
}

// Bare "n/m" is left alone: it reads the same as a blood pressure.
var pageNumberRe = regexp.MustCompile(`(?i)^(page\s+\d+(\s*(of|/)\s*\d+)?|\d+\s+of\s+\d+)$`)

// minBannerPages is how many pages a line must repeat on before it is treated
// as a printed banner rather than note content.
const minBannerPages = 3

// stripPageFurniture drops page-number lines and, for notes of at least
// minBannerPages pages, any line that repeats on every page.
func stripPageFurniture(pages []string) []string {
	repeated := map[string]bool{}
	if len(pages) >= minBannerPages {
		counts := map[string]int{}
		for _, page := range pages {
			seen := map[string]bool{}
			for _, line := range strings.Split(page, "\n") {
				t := strings.TrimSpace(line)
				if t != "" && !seen[t] {
					seen[t] = true
					counts[t]++
				}
			}
		}
		for line, n := range counts {
			if n == len(pages) {
				repeated[line] = true
			}
		}
	}

	out := make([]string, len(pages))
	for i, page := range pages {
		var kept []string
		for _, line := range strings.Split(page, "\n") {
			t := strings.TrimSpace(line)
			if repeated[t] || pageNumberRe.MatchString(t) {
				continue
			}
			kept = append(kept, line)
		}
		out[i] = strings.Join(kept, "\n")
	}
	return out
}
