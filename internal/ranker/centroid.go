package ranker

import (
	"context"
	"fmt"
	"math"

	"github.com/danielpatrickdp/screening-state/internal/state"
)

// #region centroid
// Centroid is an in-process ranker over a stored feature matrix. A record
// scores by cosine similarity to the mean relevant row minus its similarity
// to the mean irrelevant row, mapped onto [0, 1].
type Centroid struct {
	matrix *state.CSR
	row    map[state.RecordID]int
}

// NewCentroid builds a ranker for matrix, whose row i belongs to records[i].
func NewCentroid(records []state.RecordID, matrix *state.CSR) (*Centroid, error) {
	if matrix == nil {
		return nil, fmt.Errorf("centroid ranker: %w", state.ErrInvalidMatrix)
	}
	if err := matrix.Validate(); err != nil {
		return nil, fmt.Errorf("centroid ranker: %w", err)
	}
	if matrix.Rows != len(records) {
		return nil, fmt.Errorf("centroid ranker: %d rows for %d records: %w", matrix.Rows, len(records), state.ErrLengthMismatch)
	}
	row := make(map[state.RecordID]int, len(records))
	for i, id := range records {
		row[id] = i
	}
	return &Centroid{matrix: matrix, row: row}, nil
}

// Rank scores every requested record. Unknown ids are rejected.
func (c *Centroid) Rank(ctx context.Context, req Request) (Response, error) {
	if len(req.Labels) != len(req.LabeledIDs) {
		return Response{}, fmt.Errorf("%d labels for %d labeled ids: %w", len(req.Labels), len(req.LabeledIDs), ErrBadPayload)
	}
	rel := make([]float64, c.matrix.Cols)
	irr := make([]float64, c.matrix.Cols)
	for i, id := range req.LabeledIDs {
		r, ok := c.row[id]
		if !ok {
			return Response{}, fmt.Errorf("labeled record %d: %w", id, ErrBadPayload)
		}
		target := irr
		if req.Labels[i] == state.Relevant {
			target = rel
		}
		idx, vals := c.matrix.Row(r)
		for k, col := range idx {
			target[col] += vals[k]
		}
	}
	relNorm, irrNorm := norm(rel), norm(irr)

	probs := make([]float64, len(req.RecordIDs))
	for i, id := range req.RecordIDs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
		}
		r, ok := c.row[id]
		if !ok {
			return Response{}, fmt.Errorf("record %d: %w", id, ErrBadPayload)
		}
		idx, vals := c.matrix.Row(r)
		rowNorm := 0.0
		for _, v := range vals {
			rowNorm += v * v
		}
		rowNorm = math.Sqrt(rowNorm)
		score := cosine(idx, vals, rowNorm, rel, relNorm) - cosine(idx, vals, rowNorm, irr, irrNorm)
		probs[i] = clamp01((score + 1) / 2)
	}
	return Response{Probabilities: probs}, nil
}

// #endregion centroid

// #region helpers
func cosine(idx []int32, vals []float64, rowNorm float64, dense []float64, denseNorm float64) float64 {
	if rowNorm == 0 || denseNorm == 0 {
		return 0
	}
	dot := 0.0
	for k, col := range idx {
		dot += vals[k] * dense[col]
	}
	return dot / (rowNorm * denseNorm)
}

func norm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

// #endregion helpers
