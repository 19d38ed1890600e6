package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWindow_RatioOverCapacity(t *testing.T) {
	w := NewErrorWindow(10)
	w.Add(Outcome{Success: false})
	w.Add(Outcome{Success: true})

	stats := w.Stats()
	assert.Equal(t, 10, stats.Capacity)
	assert.Equal(t, 2, stats.Samples)
	assert.Equal(t, 1, stats.Failures)
	assert.InDelta(t, 0.1, stats.Ratio, 1e-9)
}

func TestErrorWindow_Evicts(t *testing.T) {
	w := NewErrorWindow(3)
	w.Add(Outcome{Success: false, Source: "a"})
	w.Add(Outcome{Success: false, Source: "b"})
	w.Add(Outcome{Success: true, Source: "c"})
	assert.Equal(t, 2, w.Stats().Failures)

	w.Add(Outcome{Success: true, Source: "d"})
	assert.Equal(t, 1, w.Stats().Failures)
	assert.Equal(t, 3, w.Len())

	var sources []string
	for _, o := range w.Outcomes() {
		sources = append(sources, o.Source)
	}
	assert.Equal(t, []string{"b", "c", "d"}, sources)
}

func TestErrorWindow_Reset(t *testing.T) {
	w := NewErrorWindow(3)
	w.Add(Outcome{Success: false})
	w.Reset(5)

	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 5, w.Stats().Capacity)
	assert.Zero(t, w.Stats().Failures)
}
