package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ErrInvalidAllowlist wraps allowlist parse and pattern errors.
var ErrInvalidAllowlist = errors.New("invalid allowlist")

// Allowlist holds regexes for known-safe values, such as fixture tokens
// that tests print. It uses the gitleaks TOML layout:
//
//	[allowlist]
//	regexes = ['''EXAMPLE[0-9]+''']
type Allowlist struct {
	Regexes []string
	re      []*regexp.Regexp
}

// LoadAllowlist reads a TOML allowlist. An empty path or missing file
// yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var doc struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	return NewAllowlist(doc.Allowlist.Regexes...)
}

// NewAllowlist compiles patterns.
func NewAllowlist(patterns ...string) (*Allowlist, error) {
	a := &Allowlist{Regexes: patterns}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		a.re = append(a.re, re)
	}
	return a, nil
}

// Allows reports whether match is known-safe. A nil allowlist allows
// nothing.
func (a *Allowlist) Allows(match string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.re {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
