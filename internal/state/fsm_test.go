package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_LegalGraph(t *testing.T) {
	tests := []struct {
		from RunState
		ev   Event
		to   RunState
		ok   bool
	}{
		{Inactive, EventStart, Active, true},
		{Inactive, EventPause, Inactive, false},
		{Inactive, EventResume, Inactive, false},
		{Inactive, EventStop, Inactive, false},
		{Active, EventStart, Active, false},
		{Active, EventPause, Paused, true},
		{Active, EventResume, Active, false},
		{Active, EventStop, Stopped, true},
		{Paused, EventStart, Paused, false},
		{Paused, EventPause, Paused, false},
		{Paused, EventResume, Active, true},
		{Paused, EventStop, Stopped, true},
		{Stopped, EventStart, Active, true},
		{Stopped, EventPause, Stopped, false},
		{Stopped, EventResume, Stopped, false},
		{Stopped, EventStop, Stopped, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Next(tt.from, tt.ev)
			assert.Equal(t, tt.to, got)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIllegalTransition)
			}
		})
	}
}

// Every sequence of up to six events keeps the state on the legal graph;
// Paused is only ever entered from Active.
func TestNext_AllSequences(t *testing.T) {
	events := []Event{EventStart, EventPause, EventResume, EventStop}

	var walk func(state RunState, depth int)
	walk = func(state RunState, depth int) {
		if depth == 0 {
			return
		}
		for _, ev := range events {
			next, err := Next(state, ev)
			if err != nil {
				require.Equal(t, state, next)
				continue
			}
			if next == Paused {
				require.Equal(t, Active, state, "paused entered from %s", state)
			}
			require.NotEqual(t, Inactive, next)
			walk(next, depth-1)
		}
	}
	walk(Inactive, 6)
}
