package secrets

import (
	"fmt"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// GitleaksScrubber runs the gitleaks default rule set.
type GitleaksScrubber struct {
	detector *detect.Detector
	allow    *Allowlist
}

// NewGitleaksScrubber builds a detector from the gitleaks default config.
// The returned scrubber serializes calls to the detector.
func NewGitleaksScrubber(allow *Allowlist) (Scrubber, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("gitleaks default config: %w", err)
	}
	return &guarded{s: &GitleaksScrubber{detector: d, allow: allow}}, nil
}

// Scrub implements Scrubber.
func (g *GitleaksScrubber) Scrub(content string) Result {
	var literals []string
	var findings []Finding
	for _, f := range g.detector.DetectString(content) {
		if f.Secret == "" || g.allow.Allows(f.Secret) {
			continue
		}
		literals = append(literals, f.Secret)
		findings = append(findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
	}
	return Result{Scrubbed: redactLiterals(content, literals), Findings: findings}
}
