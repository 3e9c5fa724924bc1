package engine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Param is one learnable tensor of a layer. Value and Grad are flat,
// row-major and always the same length.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

func (p *Param) zeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Layer is one stage of a Sequential model. Batches are gonum matrices of
// shape [batch, features] where features is the product of OutputShape.
type Layer interface {
	Name() string
	Kind() string
	Activation() string

	// Build binds the layer to its input feature shape and allocates
	// parameters. It returns the output feature shape.
	Build(inputShape []int, init Initializer) ([]int, error)
	InputShape() []int
	OutputShape() []int

	// Forward computes the layer output. With training set the layer keeps
	// what Backward needs; inference calls are safe to run concurrently.
	Forward(x *mat.Dense, training bool) (*mat.Dense, error)

	// Backward takes dL/d(output), accumulates parameter gradients and
	// returns dL/d(input).
	Backward(gradOut *mat.Dense) (*mat.Dense, error)

	Params() []*Param
}

// logitBackward is implemented by layers that can take the gradient with
// respect to their pre-activation directly. Used to fuse sigmoid and softmax
// outputs with their cross-entropy losses.
type logitBackward interface {
	backwardFromLogits(gradZ *mat.Dense) (*mat.Dense, error)
}

// ShapeError reports incompatible tensor shapes.
type ShapeError struct {
	Op       string
	Layer    string
	Expected []int
	Actual   []int
}

func (e *ShapeError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("shape mismatch in %s (%s): expected %v, got %v", e.Op, e.Layer, e.Expected, e.Actual)
	}
	return fmt.Sprintf("shape mismatch in %s: expected %v, got %v", e.Op, e.Expected, e.Actual)
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func checkWidth(op, layer string, x *mat.Dense, width int) error {
	_, c := x.Dims()
	if c != width {
		return &ShapeError{Op: op, Layer: layer, Expected: []int{width}, Actual: []int{c}}
	}
	return nil
}

// paramMatrix views a parameter as an r x c matrix sharing its storage.
func paramMatrix(values []float64, r, c int) *mat.Dense {
	return mat.NewDense(r, c, values)
}
