package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanXorFullCoverageNoAvoidance(t *testing.T) {
	p := NewPlanner(3)
	available := []Part{XorPart(3, 1), XorPart(3, 2), XorPart(3, 3), XorPart(3, 4)}
	r := BlockRange{First: 0, Count: 3} // one full stripe across all 3 data pieces

	plan, err := p.Plan(available, nil, nil, r)
	require.NoError(t, err)
	require.Len(t, plan.BasicReadOperations, 3)
	require.Len(t, plan.PostProcessOperations, 3)
	for _, op := range plan.PostProcessOperations {
		assert.Equal(t, PostCopy, op.Kind)
	}
	assert.Equal(t, plan.RequiredBufferSize, plan.PostProcessOperations[2].Dest+BlockSize)
}

func TestPlanXorAvoidSetReconstructsMissingDataPieceFromParity(t *testing.T) {
	p := NewPlanner(3)
	available := []Part{XorPart(3, 1), XorPart(3, 2), XorPart(3, 3), XorPart(3, 4)}
	avoid := map[Part]bool{XorPart(3, 2): true}
	r := BlockRange{First: 0, Count: 3}

	plan, err := p.Plan(available, nil, avoid, r)
	require.NoError(t, err)

	// piece 2 must never appear among the reads actually issued.
	require.Len(t, plan.BasicReadOperations, 3)
	for _, op := range plan.BasicReadOperations {
		assert.False(t, op.Part.Equal(XorPart(3, 2)))
	}

	require.Len(t, plan.PostProcessOperations, 3)
	assert.Equal(t, PostCopy, plan.PostProcessOperations[0].Kind)
	assert.Equal(t, PostXor, plan.PostProcessOperations[1].Kind)
	assert.Equal(t, PostCopy, plan.PostProcessOperations[2].Kind)
	// the reconstructed block XORs parity together with both surviving
	// data pieces (1 and 3) to recover piece 2's block.
	assert.Len(t, plan.PostProcessOperations[1].Sources, 3)

	assert.Equal(t, 6*BlockSize, plan.RequiredBufferSize)
}

func TestPlanXorTwoMissingDataPiecesHaveNoCover(t *testing.T) {
	p := NewPlanner(3)
	available := []Part{XorPart(3, 1), XorPart(3, 3), XorPart(3, 4)}
	avoid := map[Part]bool{XorPart(3, 2): true, XorPart(3, 3): true}
	r := BlockRange{First: 0, Count: 3}

	_, err := p.Plan(available, nil, avoid, r)
	assert.ErrorIs(t, err, ErrNoCover)
}

func TestPlanXorMissingDataPieceWithNoParityHasNoCover(t *testing.T) {
	p := NewPlanner(3)
	available := []Part{XorPart(3, 1), XorPart(3, 3)}
	avoid := map[Part]bool{XorPart(3, 2): true}
	r := BlockRange{First: 0, Count: 3}

	_, err := p.Plan(available, nil, avoid, r)
	assert.ErrorIs(t, err, ErrNoCover)
}

func TestPlanReadAllIssuesEveryAvailablePartAndFinishesOnAnyLOfLPlus1(t *testing.T) {
	p := NewPlanner(2)
	available := []Part{XorPart(2, 1), XorPart(2, 2), XorPart(2, 3)} // 2 data + parity
	r := BlockRange{First: 0, Count: 3}

	plan, err := p.PlanReadAll(available, r)
	require.NoError(t, err)
	require.Len(t, plan.BasicReadOperations, 3)
	require.NotNil(t, plan.Finished)

	assert.False(t, plan.Finished(map[int]bool{0: true}))
	assert.True(t, plan.Finished(map[int]bool{0: true, 1: true}))
	assert.True(t, plan.Finished(map[int]bool{1: true, 2: true}))
	assert.True(t, plan.Finished(map[int]bool{0: true, 1: true, 2: true}))
}

func TestPlanReadAllSucceedsWithOnlyDataPiecesNoParity(t *testing.T) {
	p := NewPlanner(2)
	available := []Part{XorPart(2, 1), XorPart(2, 2)}
	r := BlockRange{First: 0, Count: 3}

	plan, err := p.PlanReadAll(available, r)
	require.NoError(t, err)
	assert.Len(t, plan.BasicReadOperations, 2)
	assert.True(t, plan.Finished(map[int]bool{0: true, 1: true}))
}

func TestPlanReadAllNoCoverWhenADataPieceIsMissingWithoutParity(t *testing.T) {
	p := NewPlanner(2)
	available := []Part{XorPart(2, 1)} // piece 2 missing, no parity to substitute
	r := BlockRange{First: 0, Count: 3}

	_, err := p.PlanReadAll(available, r)
	assert.ErrorIs(t, err, ErrNoCover)
}

func TestPlanStandardSingleCandidateHasNoAdditionalOps(t *testing.T) {
	p := NewPlanner(0)
	a := Part{Kind: Standard}
	plan, err := p.Plan([]Part{a}, nil, nil, BlockRange{First: 0, Count: 2})
	require.NoError(t, err)
	require.Len(t, plan.BasicReadOperations, 1)
	assert.True(t, plan.BasicReadOperations[0].Part.Equal(a))
	assert.Empty(t, plan.AdditionalReadOperations)
}
