package memory

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

// ErrReleased is returned when a tensor is used or released after its last
// reference has already been dropped.
var ErrReleased = errors.New("tensor already released")

// Tensor is a CPU-resident, reference-counted block of float64 values in
// row-major order. Every tensor belongs to exactly one Manager.
type Tensor struct {
	data       []float64
	shape      []int
	refCount   *int32 // nil once released
	generation uint64 // for tracing use-after-release
	owner      *Manager
}

// NewTensor allocates a tensor on the given manager. data is copied; a nil
// data slice allocates zeroes.
func (m *Manager) NewTensor(data []float64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("tensor shape cannot be empty")
	}
	elements := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid tensor dimension %d in shape %v", dim, shape)
		}
		elements *= dim
	}
	if data != nil && len(data) != elements {
		return nil, fmt.Errorf("data length %d doesn't match tensor shape %v (expected %d elements)",
			len(data), shape, elements)
	}

	refCount := int32(1)
	t := &Tensor{
		data:       m.pool.Get(elements),
		shape:      make([]int, len(shape)),
		refCount:   &refCount,
		generation: atomic.AddUint64(&globalGeneration, 1),
		owner:      m,
	}
	copy(t.shape, shape)
	if data != nil {
		copy(t.data, data)
	}
	m.track(t)
	return t, nil
}

// FromRows builds a 2D tensor [len(rows), len(rows[0])] from a slice of
// equally sized rows.
func (m *Manager) FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("cannot build tensor from empty rows")
	}
	width := len(rows[0])
	flat := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), width)
		}
		flat = append(flat, row...)
	}
	return m.NewTensor(flat, len(rows), width)
}

// FromDense copies a gonum matrix into a new 2D tensor.
func (m *Manager) FromDense(d *mat.Dense) (*Tensor, error) {
	r, c := d.Dims()
	return m.NewTensor(mat.DenseCopyOf(d).RawMatrix().Data, r, c)
}

// Retain increments the reference count and returns the same tensor
func (t *Tensor) Retain() (*Tensor, error) {
	rc := t.refCount
	if rc == nil {
		return nil, ErrReleased
	}
	atomic.AddInt32(rc, 1)
	return t, nil
}

// Release drops one reference. The tensor's storage is freed when the count
// reaches zero. Releasing an already released tensor returns ErrReleased and
// has no other effect.
func (t *Tensor) Release() error {
	rc := t.refCount
	if rc == nil {
		return ErrReleased
	}
	if atomic.AddInt32(rc, -1) == 0 {
		t.free()
	}
	return nil
}

func (t *Tensor) free() {
	data := t.data
	t.data = nil
	t.refCount = nil
	if t.owner != nil && t.owner.forget(t) {
		t.owner.pool.Put(data)
	}
}

// Released reports whether the tensor's storage is gone.
func (t *Tensor) Released() bool {
	return t.refCount == nil
}

// Shape returns the tensor shape (defensive copy)
func (t *Tensor) Shape() []int {
	result := make([]int, len(t.shape))
	copy(result, t.shape)
	return result
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns a copy of the tensor values.
func (t *Tensor) Data() ([]float64, error) {
	if t.Released() {
		return nil, ErrReleased
	}
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out, nil
}

// Rows returns a copy of a 2D tensor as a slice of rows.
func (t *Tensor) Rows() ([][]float64, error) {
	if t.Released() {
		return nil, ErrReleased
	}
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("rows requires a 2D tensor, got shape %v", t.shape)
	}
	r, c := t.shape[0], t.shape[1]
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		row := make([]float64, c)
		copy(row, t.data[i*c:(i+1)*c])
		out[i] = row
	}
	return out, nil
}

// Dense copies a 2D tensor into a gonum matrix.
func (t *Tensor) Dense() (*mat.Dense, error) {
	if t.Released() {
		return nil, ErrReleased
	}
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("dense view requires a 2D tensor, got shape %v", t.shape)
	}
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return mat.NewDense(t.shape[0], t.shape[1], data), nil
}

// RefCount returns the current reference count (for debugging)
func (t *Tensor) RefCount() int32 {
	rc := t.refCount
	if rc == nil {
		return 0
	}
	return atomic.LoadInt32(rc)
}

// Generation returns the allocation sequence number of the tensor.
func (t *Tensor) Generation() uint64 {
	return t.generation
}

// Global generation counter for debugging
var globalGeneration uint64
