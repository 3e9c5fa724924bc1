package engine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Flatten collapses a multi-dimensional feature shape into one dimension.
// Batches are already stored flat, so values pass through unchanged.
type Flatten struct {
	name        string
	inputShape  []int
	outputShape []int
}

// NewFlatten creates a flatten layer
func NewFlatten(name string) *Flatten {
	return &Flatten{name: name}
}

func (f *Flatten) Name() string { return f.name }
func (f *Flatten) Kind() string { return "flatten" }
func (f *Flatten) Activation() string { return ActivationLinear }
func (f *Flatten) InputShape() []int { return append([]int(nil), f.inputShape...) }
func (f *Flatten) OutputShape() []int { return append([]int(nil), f.outputShape...) }
func (f *Flatten) Params() []*Param { return nil }

// Build implements Layer.
func (f *Flatten) Build(inputShape []int, _ Initializer) ([]int, error) {
	if len(inputShape) == 0 || product(inputShape) <= 0 {
		return nil, fmt.Errorf("flatten layer %q: invalid input shape %v", f.name, inputShape)
	}
	f.inputShape = append([]int(nil), inputShape...)
	f.outputShape = []int{product(inputShape)}
	return f.OutputShape(), nil
}

// Forward implements Layer.
func (f *Flatten) Forward(x *mat.Dense, _ bool) (*mat.Dense, error) {
	if err := checkWidth("flatten forward", f.name, x, f.outputShape[0]); err != nil {
		return nil, err
	}
	return x, nil
}

// Backward implements Layer.
func (f *Flatten) Backward(gradOut *mat.Dense) (*mat.Dense, error) {
	return gradOut, nil
}
