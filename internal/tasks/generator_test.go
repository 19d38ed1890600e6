package tasks

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
}

func newTestGenerator() *Generator {
	return NewGenerator(WithIDFunc(sequentialIDs()), WithClock(func() time.Time { return fixedNow }))
}

var healthy = Signal{BuildPassing: true, LintPassing: true, TestsPassing: true}

func TestGenerate_PriorityOrder(t *testing.T) {
	g := newTestGenerator()
	sig := Signal{BuildPassing: false, LintPassing: true, TestsPassing: false, OutstandingMarkers: 12}
	goals := []Goal{
		{ID: "b-search", Description: "Add search", Priority: 2},
		{ID: "a-export", Description: "Add CSV export", Priority: 1},
		{ID: "c-audit", Description: "Add audit log", Priority: 1},
	}

	out := g.Generate(Input{Goals: goals, Signal: sig})

	require.Len(t, out, 5)
	assert.Equal(t, KindFixBuild, out[0].Kind)
	assert.Equal(t, "Restore passing verification suite (build, tests)", out[0].Description)
	assert.Equal(t, KindMarkers, out[1].Kind)
	assert.Equal(t, "a-export", out[2].OriginGoal)
	assert.Equal(t, "c-audit", out[3].OriginGoal)
	assert.Equal(t, "b-search", out[4].OriginGoal)

	for _, task := range out {
		assert.Equal(t, StatusGenerated, task.Status)
		assert.Equal(t, fixedNow, task.CreatedAt)
		assert.NotEmpty(t, task.ID)
	}
}

func TestGenerate_HealthyCodebaseOnlyGoals(t *testing.T) {
	g := newTestGenerator()
	out := g.Generate(Input{
		Goals:  []Goal{{ID: "export", Description: "Add CSV export", EstimatedChangeSize: 40, Flags: Flags{CallsExternalAPI: true}}},
		Signal: healthy,
	})

	require.Len(t, out, 1)
	assert.Equal(t, KindGoal, out[0].Kind)
	assert.Equal(t, 40, out[0].EstimatedChangeSize)
	assert.True(t, out[0].Flags.CallsExternalAPI)
}

func TestGenerate_SuppressesTrackedNonTerminal(t *testing.T) {
	g := newTestGenerator()
	goal := Goal{ID: "export", Description: "Add CSV export"}
	tracked := []Task{{ID: "old", OriginGoal: "export", Description: "Add CSV export", Status: StatusApprovalPending}}

	out := g.Generate(Input{Goals: []Goal{goal}, Signal: healthy, Tracked: tracked})
	assert.Empty(t, out)
}

func TestGenerate_FreshTaskAfterFailure(t *testing.T) {
	g := newTestGenerator()
	goal := Goal{ID: "export", Description: "Add CSV export"}
	tracked := []Task{{ID: "old", OriginGoal: "export", Description: "Add CSV export", Status: StatusFailed}}

	out := g.Generate(Input{Goals: []Goal{goal}, Signal: healthy, Tracked: tracked})
	require.Len(t, out, 1)
	assert.NotEqual(t, "old", out[0].ID)
	assert.Equal(t, goal.Identity(), out[0].Identity())
}

func TestGenerate_SkipsResolvedGoals(t *testing.T) {
	g := newTestGenerator()
	goals := []Goal{{ID: "done", Description: "Shipped"}, {ID: "open", Description: "Pending"}}
	resolved := func(id Identity) bool { return id.Goal == "done" }

	out := g.Generate(Input{Goals: goals, Signal: healthy, Resolved: resolved})
	require.Len(t, out, 1)
	assert.Equal(t, "open", out[0].OriginGoal)
}

func TestGenerate_DeduplicatesWithinBatch(t *testing.T) {
	g := newTestGenerator()
	goals := []Goal{{ID: "x", Description: "Same"}, {ID: "x", Description: "Same"}}

	out := g.Generate(Input{Goals: goals, Signal: healthy})
	assert.Len(t, out, 1)
}

func TestTask_Transition(t *testing.T) {
	task := Task{ID: "t1", Status: StatusGenerated}
	later := fixedNow.Add(time.Minute)

	next, err := task.Transition(StatusApprovalPending, "security sensitive", later)
	require.NoError(t, err)
	assert.Equal(t, StatusApprovalPending, next.Status)
	assert.Equal(t, later, next.UpdatedAt)
	assert.Equal(t, StatusGenerated, task.Status, "original is a value copy")

	_, err = next.Transition(StatusSucceeded, "", later)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusRejected} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []Status{StatusGenerated, StatusApprovalPending, StatusApproved, StatusExecuting} {
		assert.False(t, s.Terminal(), s)
	}
}
