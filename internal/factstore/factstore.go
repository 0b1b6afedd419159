// Package factstore persists fact lists as two-column TSV files, one pair of
// files per patient. A file's presence marks its stage as done.
package factstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const header = "index\tfact"

// Store lays out a patient's files under Dir.
type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

// RawPath holds facts as extracted, before dedup.
func (s *Store) RawPath(id string) string { return filepath.Join(s.Dir, id+"_raw.tsv") }

// DedupedPath holds the surviving facts, reindexed from 0.
func (s *Store) DedupedPath(id string) string { return filepath.Join(s.Dir, id+".tsv") }

// LogPath is the per-patient run log.
func (s *Store) LogPath(id string) string { return filepath.Join(s.Dir, id+".log") }

// Exists reports whether path is a regular file.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

var flatten = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")

// Write replaces path with facts. The file is written to a temp file in the
// same directory and renamed, so a crash never leaves a partial file that
// would later be taken as a finished stage.
func Write(path string, facts []string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := Encode(tmp, facts); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Encode writes the header row and one "index\tfact" row per fact.
func Encode(w io.Writer, facts []string) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(header + "\n")
	for i, f := range facts {
		bw.WriteString(strconv.Itoa(i))
		bw.WriteByte('\t')
		bw.WriteString(flatten.Replace(f))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Read loads the facts in path in row order.
func Read(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	facts, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return facts, nil
}

// Decode parses rows written by Encode. The header row is skipped and the
// fact is everything after the first tab.
func Decode(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var facts []string
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if line == 1 {
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		_, fact, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: missing tab separator", line)
		}
		facts = append(facts, strings.TrimSpace(fact))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return facts, nil
}
