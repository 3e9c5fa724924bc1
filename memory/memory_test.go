package memory

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func quietManager(name string) *Manager {
	return NewManager(name, log.New(io.Discard, "", 0))
}

func TestNewTensor(t *testing.T) {
	m := quietManager("test")

	tensor, err := m.NewTensor([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	if got := tensor.Shape(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("Expected shape [2 3], got %v", got)
	}
	if tensor.RefCount() != 1 {
		t.Errorf("Expected initial ref count 1, got %d", tensor.RefCount())
	}
	if m.Live() != 1 {
		t.Errorf("Expected 1 live tensor, got %d", m.Live())
	}

	if _, err := m.NewTensor([]float64{1, 2}, 3); err == nil {
		t.Errorf("Expected error for data/shape mismatch")
	}
	if _, err := m.NewTensor(nil); err == nil {
		t.Errorf("Expected error for empty shape")
	}
	if _, err := m.NewTensor(nil, 2, 0); err == nil {
		t.Errorf("Expected error for zero dimension")
	}
}

func TestShapeIsDefensiveCopy(t *testing.T) {
	m := quietManager("test")
	tensor, _ := m.NewTensor(nil, 4, 2)
	shape := tensor.Shape()
	shape[0] = 99
	if tensor.Shape()[0] != 4 {
		t.Errorf("Shape() must return a copy")
	}
}

func TestRetainRelease(t *testing.T) {
	m := quietManager("test")
	tensor, _ := m.NewTensor(nil, 3)

	if _, err := tensor.Retain(); err != nil {
		t.Fatalf("Retain failed: %v", err)
	}
	if tensor.RefCount() != 2 {
		t.Errorf("Expected ref count 2, got %d", tensor.RefCount())
	}

	if err := tensor.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if tensor.Released() {
		t.Errorf("Tensor released while a reference is still held")
	}
	if err := tensor.Release(); err != nil {
		t.Fatalf("Final release failed: %v", err)
	}
	if !tensor.Released() {
		t.Errorf("Expected tensor to be released")
	}
	if m.Live() != 0 {
		t.Errorf("Expected 0 live tensors, got %d", m.Live())
	}
}

func TestDoubleReleaseIsTolerated(t *testing.T) {
	m := quietManager("test")
	tensor, _ := m.NewTensor(nil, 2, 2)

	if err := tensor.Release(); err != nil {
		t.Fatalf("First release failed: %v", err)
	}
	err := tensor.Release()
	if !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased on second release, got %v", err)
	}
	if _, err := tensor.Retain(); !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased on retain after release, got %v", err)
	}
	if _, err := tensor.Data(); !errors.Is(err, ErrReleased) {
		t.Errorf("Expected ErrReleased reading released data, got %v", err)
	}

	// Dispose must swallow the double free
	m.Dispose(tensor, nil, tensor)

	// The manager keeps working afterwards
	fresh, err := m.NewTensor([]float64{7}, 1)
	if err != nil {
		t.Fatalf("Allocation after double free failed: %v", err)
	}
	if data, _ := fresh.Data(); data[0] != 7 {
		t.Errorf("Expected fresh tensor value 7, got %v", data)
	}
}

func TestRowsAndDense(t *testing.T) {
	m := quietManager("test")
	rows := [][]float64{{1, 2}, {3, 4}, {5, 6}}

	tensor, err := m.FromRows(rows)
	if err != nil {
		t.Fatalf("FromRows failed: %v", err)
	}
	rows[0][0] = 100 // tensor owns its copy

	out, err := tensor.Rows()
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}
	if out[0][0] != 1 || out[2][1] != 6 {
		t.Errorf("Unexpected rows: %v", out)
	}

	d, err := tensor.Dense()
	if err != nil {
		t.Fatalf("Dense failed: %v", err)
	}
	if r, c := d.Dims(); r != 3 || c != 2 {
		t.Errorf("Expected 3x2 matrix, got %dx%d", r, c)
	}

	back, err := m.FromDense(mat.NewDense(1, 2, []float64{9, 8}))
	if err != nil {
		t.Fatalf("FromDense failed: %v", err)
	}
	if data, _ := back.Data(); data[0] != 9 || data[1] != 8 {
		t.Errorf("Unexpected FromDense data %v", data)
	}

	if _, err := m.FromRows([][]float64{{1, 2}, {3}}); err == nil {
		t.Errorf("Expected error for ragged rows")
	}
}

func TestReleaseAll(t *testing.T) {
	m := quietManager("worker")
	a, _ := m.NewTensor(nil, 2)
	b, _ := m.NewTensor(nil, 2)
	_, _ = b.Retain()

	if n := m.ReleaseAll(); n != 2 {
		t.Errorf("Expected 2 tensors freed, got %d", n)
	}
	if m.Live() != 0 {
		t.Errorf("Expected no live tensors, got %d", m.Live())
	}
	if !errors.Is(a.Release(), ErrReleased) {
		t.Errorf("Expected ErrReleased after ReleaseAll")
	}

	stats := m.Stats()
	if stats.Allocated != 2 || stats.Released != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestConcurrentAllocation(t *testing.T) {
	m := quietManager("concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tensor, err := m.NewTensor(nil, 4)
				if err != nil {
					t.Errorf("allocation failed: %v", err)
					return
				}
				_ = tensor.Release()
			}
		}()
	}
	wg.Wait()

	if m.Live() != 0 {
		t.Errorf("Expected 0 live tensors, got %d", m.Live())
	}
	if s := m.Stats(); s.Allocated != 400 || s.Released != 400 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestBufferPoolReuseIsZeroed(t *testing.T) {
	bp := NewBufferPool()

	buf := bp.Get(5)
	if len(buf) != 5 || cap(buf) != 8 {
		t.Fatalf("Expected len 5 cap 8, got len %d cap %d", len(buf), cap(buf))
	}
	for i := range buf {
		buf[i] = float64(i + 1)
	}
	bp.Put(buf)

	again := bp.Get(7)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("Expected zeroed buffer, got %v at %d", v, i)
		}
	}

	s := bp.Stats()[8]
	if s.Gets != 2 || s.Puts != 1 || s.InUse != 1 || s.MaxInUse != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}
	if s.Misses < 1 || s.Misses > 2 {
		t.Errorf("Expected 1 or 2 misses, got %d", s.Misses)
	}
}

func TestBufferPoolIgnoresForeignBuffers(t *testing.T) {
	bp := NewBufferPool()
	bp.Put(make([]float64, 3))
	bp.Put(nil)
	if len(bp.Stats()) != 0 {
		t.Errorf("Expected no size classes, got %v", bp.Stats())
	}
	if bp.Get(0) != nil {
		t.Error("Expected nil for an empty request")
	}
}

func TestRoundUpToPowerOf2(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 8: 8, 9: 16, 1000: 1024}
	for in, want := range cases {
		if got := roundUpToPowerOf2(in); got != want {
			t.Errorf("roundUpToPowerOf2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestTensorsRecycleStorage(t *testing.T) {
	m := quietManager("pooled")

	a, _ := m.NewTensor([]float64{1, 2, 3}, 3)
	if err := a.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	b, _ := m.NewTensor(nil, 4)
	data, err := b.Data()
	if err != nil {
		t.Fatalf("Data failed: %v", err)
	}
	for i, v := range data {
		if v != 0 {
			t.Fatalf("Expected zeroed storage, got %v at %d", v, i)
		}
	}

	// A second release of a freed tensor must not recycle its buffer twice.
	_ = a.Release()
	m.ReleaseAll()
	if s := m.Pool().Stats()[4]; s.Gets != 2 || s.Puts != 2 || s.InUse != 0 {
		t.Errorf("Unexpected pool stats %+v", s)
	}
}

func TestBufferPoolTotals(t *testing.T) {
	bp := NewBufferPool()
	a := bp.Get(3)
	b := bp.Get(30)
	bp.Put(a)

	tot := bp.Totals()
	if tot.Gets != 2 || tot.Puts != 1 || tot.InUse != 1 || tot.Misses != 2 {
		t.Errorf("Unexpected totals %+v", tot)
	}
	if tot.HitRate() != 0 {
		t.Errorf("Expected zero hit rate, got %v", tot.HitRate())
	}
	if !strings.Contains(bp.String(), "Size 32") {
		t.Errorf("Expected size class 32 in %q", bp.String())
	}
	bp.Put(b)
}
