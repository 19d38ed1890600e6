package tasks

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origins used for tasks that do not come from a project goal.
const (
	OriginCodebaseHealth = "codebase-health"
	OriginMarkerBacklog  = "marker-backlog"
)

// Signal is a snapshot of the codebase taken at the start of a cycle.
type Signal struct {
	BuildPassing       bool `json:"build_passing"`
	LintPassing        bool `json:"lint_passing"`
	TestsPassing       bool `json:"tests_passing"`
	OutstandingMarkers int  `json:"outstanding_markers"`
}

// Healthy reports whether every verification step passed.
func (s Signal) Healthy() bool {
	return s.BuildPassing && s.LintPassing && s.TestsPassing
}

// Input is everything Generate considers.
type Input struct {
	Goals  []Goal
	Signal Signal
	// Tracked are the tasks currently in flight; candidates with the same
	// identity are suppressed.
	Tracked []Task
	// Resolved reports whether a goal-derived identity already succeeded.
	// Nil means nothing is resolved.
	Resolved func(Identity) bool
}

// Generator turns goals and codebase signals into ranked candidate tasks.
type Generator struct {
	newID            func() string
	now              func() time.Time
	fixChangeSize    int
	markerChangeSize int
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithIDFunc overrides task id generation.
func WithIDFunc(fn func() string) GeneratorOption {
	return func(g *Generator) { g.newID = fn }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// WithChangeSizes sets the estimated size of build-fix and marker tasks.
func WithChangeSizes(fix, markers int) GeneratorOption {
	return func(g *Generator) {
		g.fixChangeSize = fix
		g.markerChangeSize = markers
	}
}

// NewGenerator returns a Generator with uuid ids and wall-clock time.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		newID:            func() string { return uuid.New().String() },
		now:              time.Now,
		fixChangeSize:    50,
		markerChangeSize: 30,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns deduplicated candidates ordered by priority: failing
// build or tests first, then the marker backlog, then goal work ordered
// by goal priority and id.
func (g *Generator) Generate(in Input) []Task {
	seen := make(map[Identity]bool, len(in.Tracked))
	for _, t := range in.Tracked {
		if !t.Status.Terminal() {
			seen[t.Identity()] = true
		}
	}

	now := g.now()
	var out []Task
	add := func(kind Kind, goal, desc string, size int, flags Flags) {
		id := Identity{Goal: goal, Description: desc}
		if seen[id] {
			return
		}
		seen[id] = true
		out = append(out, Task{
			ID:                  g.newID(),
			Kind:                kind,
			Description:         desc,
			OriginGoal:          goal,
			EstimatedChangeSize: size,
			Flags:               flags,
			Status:              StatusGenerated,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	}

	if failing := failingChecks(in.Signal); len(failing) > 0 {
		add(KindFixBuild, OriginCodebaseHealth,
			fmt.Sprintf("Restore passing verification suite (%s)", strings.Join(failing, ", ")),
			g.fixChangeSize, Flags{})
	}
	if in.Signal.OutstandingMarkers > 0 {
		add(KindMarkers, OriginMarkerBacklog, "Reduce outstanding marker backlog", g.markerChangeSize, Flags{})
	}

	goals := append([]Goal(nil), in.Goals...)
	sort.SliceStable(goals, func(i, j int) bool {
		if goals[i].Priority != goals[j].Priority {
			return goals[i].Priority < goals[j].Priority
		}
		return goals[i].ID < goals[j].ID
	})
	for _, goal := range goals {
		if in.Resolved != nil && in.Resolved(goal.Identity()) {
			continue
		}
		add(KindGoal, goal.ID, goal.Description, goal.EstimatedChangeSize, goal.Flags)
	}

	return out
}

func failingChecks(s Signal) []string {
	var failing []string
	if !s.BuildPassing {
		failing = append(failing, "build")
	}
	if !s.LintPassing {
		failing = append(failing, "lint")
	}
	if !s.TestsPassing {
		failing = append(failing, "tests")
	}
	return failing
}
