package codebase

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// binarySniffLen is how much of a file is checked for NUL bytes.
const binarySniffLen = 8000

// MarkerScanner counts marker words (TODO, FIXME) in source files,
// skipping paths excluded by the repository's ignore files.
type MarkerScanner struct {
	ignoreFiles []string
	pattern     *regexp.Regexp
}

// NewMarkerScanner returns a scanner matching markers as whole words.
func NewMarkerScanner(ignoreFiles, markers []string) *MarkerScanner {
	if len(markers) == 0 {
		markers = []string{"TODO", "FIXME"}
	}
	quoted := make([]string, len(markers))
	for i, m := range markers {
		quoted[i] = regexp.QuoteMeta(m)
	}
	return &MarkerScanner{
		ignoreFiles: ignoreFiles,
		pattern:     regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`),
	}
}

// Count walks root and returns the number of lines carrying a marker.
func (m *MarkerScanner) Count(ctx context.Context, root string) (int, error) {
	patterns, err := m.loadPatterns(root)
	if err != nil {
		return 0, err
	}
	matcher := gitignore.NewMatcher(patterns)

	total := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if d.IsDir() {
			if d.Name() == ".git" || matcher.Match(parts, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || matcher.Match(parts, false) {
			return nil
		}
		n, err := m.countFile(path)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

func (m *MarkerScanner) countFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	sniff := data
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return 0, nil
	}

	n := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if m.pattern.Match(sc.Bytes()) {
			n++
		}
	}
	return n, sc.Err()
}

// loadPatterns reads ignore files at the repository root. Missing files
// are skipped.
func (m *MarkerScanner) loadPatterns(root string) ([]gitignore.Pattern, error) {
	var patterns []gitignore.Pattern
	for _, name := range m.ignoreFiles {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), " \t")
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, gitignore.ParsePattern(line, nil))
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return patterns, nil
}
