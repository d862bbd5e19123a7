package ranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

// Four records over three terms: 1 and 2 share term 0, 3 and 4 share term 2.
func centroidFixture(t *testing.T) *Centroid {
	t.Helper()
	m := &state.CSR{
		Rows:    4,
		Cols:    3,
		IndPtr:  []int64{0, 1, 3, 4, 6},
		Indices: []int32{0, 0, 1, 2, 1, 2},
		Data:    []float64{1, 1, 0.5, 1, 0.2, 1},
	}
	c, err := NewCentroid([]state.RecordID{1, 2, 3, 4}, m)
	require.NoError(t, err)
	return c
}

func TestCentroidRanksSimilarRecordsHigher(t *testing.T) {
	c := centroidFixture(t)
	resp, err := c.Rank(context.Background(), Request{
		RecordIDs:  []state.RecordID{2, 4},
		LabeledIDs: []state.RecordID{1, 3},
		Labels:     []int{state.Relevant, state.Irrelevant},
	})
	require.NoError(t, err)
	require.Len(t, resp.Probabilities, 2)
	assert.Greater(t, resp.Probabilities[0], resp.Probabilities[1])
	for _, p := range resp.Probabilities {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
}

func TestCentroidWithoutLabelsIsNeutral(t *testing.T) {
	c := centroidFixture(t)
	resp, err := c.Rank(context.Background(), Request{RecordIDs: []state.RecordID{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, resp.Probabilities)
}

func TestCentroidUnknownRecord(t *testing.T) {
	c := centroidFixture(t)
	_, err := c.Rank(context.Background(), Request{RecordIDs: []state.RecordID{9}})
	assert.ErrorIs(t, err, ErrBadPayload)
	_, err = c.Rank(context.Background(), Request{LabeledIDs: []state.RecordID{9}, Labels: []int{1}})
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestNewCentroidShapeMismatch(t *testing.T) {
	m := &state.CSR{Rows: 1, Cols: 1, IndPtr: []int64{0, 0}}
	_, err := NewCentroid([]state.RecordID{1, 2}, m)
	assert.ErrorIs(t, err, state.ErrLengthMismatch)
	_, err = NewCentroid(nil, nil)
	assert.ErrorIs(t, err, state.ErrInvalidMatrix)
}

func TestCentroidOverGRPC(t *testing.T) {
	client := serve(t, centroidFixture(t))
	resp, err := client.Rank(testContext(t), Request{
		RecordIDs:  []state.RecordID{2, 4},
		LabeledIDs: []state.RecordID{1},
		Labels:     []int{state.Relevant},
	})
	require.NoError(t, err)
	assert.Greater(t, resp.Probabilities[0], resp.Probabilities[1])
}
