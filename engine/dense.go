package engine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer: a = act(x·W + b).
type Dense struct {
	name       string
	units      int
	activation string

	inputShape  []int
	outputShape []int
	inSize      int

	weights *Param // [inSize, units]
	bias    *Param // [units]

	// training cache
	lastX, lastZ, lastA *mat.Dense
}

// NewDense creates a dense layer. The activation name is normalized; an
// unknown activation is an error.
func NewDense(name string, units int, activation string) (*Dense, error) {
	if units <= 0 {
		return nil, fmt.Errorf("dense layer %q: units must be positive, got %d", name, units)
	}
	act, err := NormalizeActivation(activation)
	if err != nil {
		return nil, fmt.Errorf("dense layer %q: %w", name, err)
	}
	return &Dense{name: name, units: units, activation: act}, nil
}

func (d *Dense) Name() string { return d.name }
func (d *Dense) Kind() string { return "dense" }
func (d *Dense) Activation() string { return d.activation }
func (d *Dense) Units() int { return d.units }
func (d *Dense) InputShape() []int { return append([]int(nil), d.inputShape...) }
func (d *Dense) OutputShape() []int { return append([]int(nil), d.outputShape...) }
func (d *Dense) Params() []*Param { return []*Param{d.weights, d.bias} }

// Build implements Layer. Multi-dimensional inputs are consumed flattened.
func (d *Dense) Build(inputShape []int, init Initializer) ([]int, error) {
	if len(inputShape) == 0 || product(inputShape) <= 0 {
		return nil, fmt.Errorf("dense layer %q: invalid input shape %v", d.name, inputShape)
	}
	d.inputShape = append([]int(nil), inputShape...)
	d.inSize = product(inputShape)
	d.outputShape = []int{d.units}

	d.weights = newParam("kernel", d.inSize, d.units)
	d.bias = newParam("bias", d.units)
	for i := range d.weights.Value {
		d.weights.Value[i] = init.Sample(d.inSize, d.units)
	}
	return d.OutputShape(), nil
}

func (d *Dense) linear(x *mat.Dense) (*mat.Dense, error) {
	if err := checkWidth("dense forward", d.name, x, d.inSize); err != nil {
		return nil, err
	}
	r, _ := x.Dims()
	z := mat.NewDense(r, d.units, nil)
	z.Mul(x, paramMatrix(d.weights.Value, d.inSize, d.units))
	bias := d.bias.Value
	for i := 0; i < r; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return z, nil
}

// Forward implements Layer.
func (d *Dense) Forward(x *mat.Dense, training bool) (*mat.Dense, error) {
	z, err := d.linear(x)
	if err != nil {
		return nil, err
	}
	a := activate(d.activation, z)
	if training {
		d.lastX, d.lastZ, d.lastA = x, z, a
	}
	return a, nil
}

// Backward implements Layer.
func (d *Dense) Backward(gradOut *mat.Dense) (*mat.Dense, error) {
	if d.lastX == nil {
		return nil, fmt.Errorf("dense layer %q: backward called before a training forward pass", d.name)
	}
	if err := checkWidth("dense backward", d.name, gradOut, d.units); err != nil {
		return nil, err
	}
	return d.backwardFromLogits(activationBackward(d.activation, d.lastZ, d.lastA, gradOut))
}

func (d *Dense) backwardFromLogits(gradZ *mat.Dense) (*mat.Dense, error) {
	if d.lastX == nil {
		return nil, fmt.Errorf("dense layer %q: backward called before a training forward pass", d.name)
	}
	// dW = xᵀ·dZ, db = column sums of dZ, dX = dZ·Wᵀ
	gradW := mat.NewDense(d.inSize, d.units, d.weights.Grad)
	var dW mat.Dense
	dW.Mul(d.lastX.T(), gradZ)
	gradW.Add(gradW, &dW)

	r, _ := gradZ.Dims()
	for i := 0; i < r; i++ {
		row := gradZ.RawRowView(i)
		for j, v := range row {
			d.bias.Grad[j] += v
		}
	}

	gradX := mat.NewDense(r, d.inSize, nil)
	gradX.Mul(gradZ, paramMatrix(d.weights.Value, d.inSize, d.units).T())
	return gradX, nil
}
