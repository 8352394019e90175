package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsActiveWithAllStepsPending(t *testing.T) {
	p := New("grow the stream", []string{"say hi", "run a poll", "thank raiders"})
	assert.Equal(t, Active, p.Status)
	assert.Len(t, p.Steps, 3)
	for _, s := range p.Steps {
		assert.Equal(t, StepPending, s.Status)
	}
	assert.NotEmpty(t, p.ID)
}

func TestMarkStepDone_CompletesPlanOnLastStep(t *testing.T) {
	p := New("goal", []string{"a", "b"})

	completed, err := p.MarkStepDone(0)
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, Active, p.Status)

	completed, err = p.MarkStepDone(1)
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, Completed, p.Status)
}

func TestMarkStepDone_OutOfRange(t *testing.T) {
	p := New("goal", []string{"a"})
	_, err := p.MarkStepDone(5)
	assert.ErrorIs(t, err, ErrStepOutOfRange{})
}

func TestMarkStepDone_RefusesOnceNotActive(t *testing.T) {
	p := New("goal", []string{"a"})
	require.NoError(t, p.Abandon())

	_, err := p.MarkStepDone(0)
	assert.ErrorIs(t, err, ErrNotActive{})
}

func TestAbandon_RefusesTwice(t *testing.T) {
	p := New("goal", []string{"a"})
	require.NoError(t, p.Abandon())
	assert.ErrorIs(t, p.Abandon(), ErrNotActive{})
}

func TestNextPending_ReturnsMinusOneWhenAllDone(t *testing.T) {
	p := New("goal", []string{"a", "b"})
	_, _ = p.MarkStepDone(0)
	_, _ = p.MarkStepDone(1)
	assert.Equal(t, -1, p.NextPending())
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	p := New("goal", []string{"a", "b"})
	snap := p.Snapshot()

	_, _ = p.MarkStepDone(0)
	assert.Equal(t, StepPending, snap.Steps[0].Status, "mutating the live plan must not affect a prior snapshot")
}

func TestRender_MarksDoneNextAndPending(t *testing.T) {
	p := New("grow the stream", []string{"say hi", "run a poll", "thank raiders"})
	_, _ = p.MarkStepDone(0)

	rendered := p.Render()
	assert.Contains(t, rendered, "Goal: grow the stream")
	assert.Contains(t, rendered, "[x] 0. say hi")
	assert.Contains(t, rendered, "[-] 1. run a poll   <-- next")
	assert.Contains(t, rendered, "[ ] 2. thank raiders")
}

func TestSnapshot_RenderMatchesPlanRender(t *testing.T) {
	p := New("goal", []string{"a", "b"})
	_, _ = p.MarkStepDone(0)

	assert.Equal(t, p.Render(), p.Snapshot().Render())
}
