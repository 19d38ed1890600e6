package secrets

import (
	"fmt"
	"regexp"
)

// Rule is one regexp-based detector.
type Rule struct {
	ID      string
	Pattern string
}

// DefaultRules cover credentials that commonly leak into CI output.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "aws-access-key-id", Pattern: `(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`},
		{ID: "aws-secret-access-key", Pattern: `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`},
		{ID: "generic-api-key", Pattern: `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`},
		{ID: "generic-secret", Pattern: `(?i)(?:secret|password|passwd|pwd|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`},
		{ID: "github-token", Pattern: `gh[pousr]_[A-Za-z0-9]{36}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9-]{10,}`},
		{ID: "bearer-token", Pattern: `(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`},
		{ID: "url-credentials", Pattern: `[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^/\s@]+@`},
	}
}

type compiledRule struct {
	id string
	re *regexp.Regexp
}

// RegexScrubber redacts matches of a fixed rule set.
type RegexScrubber struct {
	rules []compiledRule
	allow *Allowlist
}

// NewRegexScrubber compiles rules. allow may be nil.
func NewRegexScrubber(rules []Rule, allow *Allowlist) (*RegexScrubber, error) {
	s := &RegexScrubber{allow: allow}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, re: re})
	}
	return s, nil
}

// Scrub implements Scrubber.
func (s *RegexScrubber) Scrub(content string) Result {
	var spans []span
	var findings []Finding
	for _, r := range s.rules {
		for _, m := range r.re.FindAllStringIndex(content, -1) {
			if s.allow.Allows(content[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			findings = append(findings, Finding{RuleID: r.id, Line: lineOf(content, m[0])})
		}
	}
	return Result{Scrubbed: redactSpans(content, spans), Findings: findings}
}
