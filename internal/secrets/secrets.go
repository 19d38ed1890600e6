// Package secrets scrubs credentials out of text before it is logged,
// stored in a report or sent to a notification sink. Tool output from
// builds, tests and deploys is the main input.
package secrets

import (
	"sort"
	"strings"
	"sync"
)

// Redaction replaces every detected secret.
const Redaction = "[REDACTED]"

// Finding locates a detected secret. The secret itself is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
}

// Result is the outcome of scrubbing one piece of text.
type Result struct {
	Scrubbed string    `json:"scrubbed"`
	Findings []Finding `json:"findings,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool { return len(r.Findings) > 0 }

// Scrubber redacts secrets from text. Implementations are safe for
// concurrent use.
type Scrubber interface {
	Scrub(content string) Result
}

// ScrubString is a convenience for callers that only need the text.
func ScrubString(s Scrubber, content string) string {
	if s == nil {
		return content
	}
	return s.Scrub(content).Scrubbed
}

// Nop returns content unchanged.
type Nop struct{}

func (Nop) Scrub(content string) Result { return Result{Scrubbed: content} }

// Chain applies scrubbers in order, feeding each the previous output.
type Chain []Scrubber

func (c Chain) Scrub(content string) Result {
	out := Result{Scrubbed: content}
	for _, s := range c {
		r := s.Scrub(out.Scrubbed)
		out.Scrubbed = r.Scrubbed
		out.Findings = append(out.Findings, r.Findings...)
	}
	return out
}

type span struct{ start, end int }

// redactSpans replaces spans in content with Redaction, merging
// overlaps.
func redactSpans(content string, spans []span) string {
	if len(spans) == 0 {
		return content
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	prev := 0
	for _, s := range merged {
		b.WriteString(content[prev:s.start])
		b.WriteString(Redaction)
		prev = s.end
	}
	b.WriteString(content[prev:])
	return b.String()
}

// redactLiterals replaces every occurrence of each literal.
func redactLiterals(content string, literals []string) string {
	var spans []span
	for _, lit := range literals {
		if lit == "" {
			continue
		}
		for off := 0; ; {
			i := strings.Index(content[off:], lit)
			if i < 0 {
				break
			}
			spans = append(spans, span{off + i, off + i + len(lit)})
			off += i + len(lit)
		}
	}
	return redactSpans(content, spans)
}

func lineOf(content string, offset int) int {
	return strings.Count(content[:offset], "\n") + 1
}

// guarded serializes a non-thread-safe scrubber.
type guarded struct {
	mu sync.Mutex
	s  Scrubber
}

func (g *guarded) Scrub(content string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s.Scrub(content)
}
