// Package notes loads a patient's clinical notes from disk.
package notes

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgallion1/clinfacts/internal/parser"
)

// Note is one clinical document. It is never modified after loading.
type Note struct {
	ID    string
	Date  time.Time
	Title string
	Text  string
}

var idRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id is usable as a patient id. Ids become file
// names, so only letters, digits, '-' and '_' are accepted.
func ValidID(id string) bool {
	return idRe.MatchString(id)
}

// PatientFile returns the conventional notes file for a patient id.
func PatientFile(inputDir, id string) string {
	return filepath.Join(inputDir, id+"_subsetrecords.json")
}

// Resolve returns the first notes source that exists for id, trying
// {id}_subsetrecords.json, then {id}_subsetrecords.csv, then a directory
// {id}/ of note documents.
func Resolve(inputDir, id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("load notes: invalid patient id %q", id)
	}
	candidates := []struct {
		path string
		dir  bool
	}{
		{PatientFile(inputDir, id), false},
		{filepath.Join(inputDir, id+"_subsetrecords.csv"), false},
		{filepath.Join(inputDir, id), true},
	}
	tried := make([]string, 0, len(candidates))
	for _, c := range candidates {
		info, err := os.Stat(c.path)
		if err == nil && info.IsDir() == c.dir {
			return c.path, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("load notes: %w", err)
		}
		tried = append(tried, filepath.Base(c.path))
	}
	return "", fmt.Errorf("load notes: no notes for %s in %s (tried %s): %w",
		id, inputDir, strings.Join(tried, ", "), os.ErrNotExist)
}

// Load reads notes from a .json records file, a .csv file with a header
// row, or a directory of note documents named "YYYY-MM-DD_title.ext".
func Load(path string) ([]Note, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	if info.IsDir() {
		return loadDir(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return ReadJSON(f)
	case ".csv":
		return ReadCSV(f)
	default:
		return nil, fmt.Errorf("load notes: unsupported file type %q", ext)
	}
}

type record struct {
	ID    json.RawMessage `json:"note_id"`
	Date  json.RawMessage `json:"note_date"`
	Title string          `json:"note_title"`
	Text  string          `json:"text"`
}

// ReadJSON decodes an array of note records.
func ReadJSON(r io.Reader) ([]Note, error) {
	var recs []record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode notes: %w", err)
	}

	out := make([]Note, 0, len(recs))
	for i, rec := range recs {
		date, err := parseRawDate(rec.Date)
		if err != nil {
			return nil, fmt.Errorf("note %d: %w", i, err)
		}
		id := rawString(rec.ID)
		if id == "" {
			id = strconv.Itoa(i)
		}
		out = append(out, Note{ID: id, Date: date, Title: rec.Title, Text: rec.Text})
	}
	return out, nil
}

// ReadCSV reads notes from CSV with note_date, note_title and text columns
// and an optional note_id column.
func ReadCSV(r io.Reader) ([]Note, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, want := range []string{"note_date", "text"} {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("csv: missing %q column", want)
		}
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var out []Note
	for i := 0; ; i++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", i, err)
		}
		date, err := ParseDate(field(row, "note_date"))
		if err != nil {
			return nil, fmt.Errorf("note %d: %w", i, err)
		}
		id := field(row, "note_id")
		if id == "" {
			id = strconv.Itoa(i)
		}
		out = append(out, Note{
			ID:    id,
			Date:  date,
			Title: field(row, "note_title"),
			Text:  field(row, "text"),
		})
	}
	return out, nil
}

func loadDir(dir string) ([]Note, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Note
	for _, e := range entries {
		if e.IsDir() || !parser.IsSupportedExtension(e.Name()) {
			continue
		}
		date, title, err := splitNoteFilename(e.Name())
		if err != nil {
			return nil, err
		}
		tree, err := parser.ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		out = append(out, Note{
			ID:    strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Date:  date,
			Title: title,
			Text:  tree.Flatten(),
		})
	}
	return out, nil
}

// splitNoteFilename parses "2021-01-15_ED Note.txt" into its date and title.
func splitNoteFilename(name string) (time.Time, string, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	prefix, title, _ := strings.Cut(base, "_")
	date, err := time.Parse(time.DateOnly, prefix)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("note file %q: expected YYYY-MM-DD_title name", name)
	}
	return date, strings.ReplaceAll(title, "_", " "), nil
}

var dateLayouts = []string{
	time.DateOnly,
	time.DateTime,
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseDate accepts calendar dates, date-times, RFC 3339 timestamps and
// epoch milliseconds.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty note date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized note date %q", s)
}

func parseRawDate(raw json.RawMessage) (time.Time, error) {
	return ParseDate(rawString(raw))
}

// rawString renders a JSON string or number as plain text.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
