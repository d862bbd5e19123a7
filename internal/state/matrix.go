package state

import (
	"encoding/binary"
	"fmt"
	"math"
)

// #region csr
// CSR is a compressed sparse row matrix. Row i belongs to RecordTable()[i].
type CSR struct {
	Rows    int
	Cols    int
	IndPtr  []int64
	Indices []int32
	Data    []float64
}

// NNZ returns the number of stored entries.
func (m *CSR) NNZ() int {
	return len(m.Data)
}

// Row returns the column indices and values of row i.
func (m *CSR) Row(i int) ([]int32, []float64) {
	lo, hi := m.IndPtr[i], m.IndPtr[i+1]
	return m.Indices[lo:hi], m.Data[lo:hi]
}

// Validate checks the structural invariants of the matrix.
func (m *CSR) Validate() error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("negative shape %dx%d: %w", m.Rows, m.Cols, ErrInvalidMatrix)
	}
	if len(m.IndPtr) != m.Rows+1 {
		return fmt.Errorf("indptr has %d entries, want %d: %w", len(m.IndPtr), m.Rows+1, ErrInvalidMatrix)
	}
	if len(m.Indices) != len(m.Data) {
		return fmt.Errorf("%d indices for %d values: %w", len(m.Indices), len(m.Data), ErrInvalidMatrix)
	}
	if m.IndPtr[0] != 0 || m.IndPtr[m.Rows] != int64(len(m.Data)) {
		return fmt.Errorf("indptr bounds [%d, %d] for %d values: %w", m.IndPtr[0], m.IndPtr[m.Rows], len(m.Data), ErrInvalidMatrix)
	}
	for i := 0; i < m.Rows; i++ {
		if m.IndPtr[i+1] < m.IndPtr[i] {
			return fmt.Errorf("indptr decreases at row %d: %w", i, ErrInvalidMatrix)
		}
	}
	for _, c := range m.Indices {
		if c < 0 || int(c) >= m.Cols {
			return fmt.Errorf("column index %d outside %d columns: %w", c, m.Cols, ErrInvalidMatrix)
		}
	}
	return nil
}

func (m *CSR) clone() *CSR {
	return &CSR{
		Rows:    m.Rows,
		Cols:    m.Cols,
		IndPtr:  append([]int64(nil), m.IndPtr...),
		Indices: append([]int32(nil), m.Indices...),
		Data:    append([]float64(nil), m.Data...),
	}
}

// #endregion csr

// #region matrix-encoding
func encodeInt64s(v []int64) []byte {
	buf := make([]byte, len(v)*8)
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(x))
	}
	return buf
}

func decodeInt64s(b []byte) []int64 {
	v := make([]int64, len(b)/8)
	for i := range v {
		v[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

func encodeInt32s(v []int32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(x))
	}
	return buf
}

func decodeInt32s(b []byte) []int32 {
	v := make([]int32, len(b)/4)
	for i := range v {
		v[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func encodeFloat64s(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeFloat64s(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

// #endregion matrix-encoding
