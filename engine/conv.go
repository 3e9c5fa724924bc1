package engine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Conv is a valid-padding, stride-1 convolution over channel-last inputs.
// Conv1D inputs are [width, channels]; Conv2D inputs are [height, width,
// channels]. Both are carried internally as a 2D grid with a kernel of
// kernelH x kernelW.
type Conv struct {
	name       string
	kind       string
	filters    int
	kernelH    int
	kernelW    int
	activation string

	inputShape  []int
	outputShape []int
	inH, inW    int
	channels    int
	outH, outW  int

	weights *Param // [kernelH, kernelW, channels, filters]
	bias    *Param // [filters]

	lastX, lastZ, lastA *mat.Dense
}

// NewConv1D creates a 1D convolution with the given number of filters.
func NewConv1D(name string, filters, kernelSize int, activation string) (*Conv, error) {
	return newConv(name, "conv1d", filters, 1, kernelSize, activation)
}

// NewConv2D creates a 2D convolution with a square kernel.
func NewConv2D(name string, filters, kernelSize int, activation string) (*Conv, error) {
	return newConv(name, "conv2d", filters, kernelSize, kernelSize, activation)
}

func newConv(name, kind string, filters, kh, kw int, activation string) (*Conv, error) {
	if filters <= 0 {
		return nil, fmt.Errorf("%s layer %q: filters must be positive, got %d", kind, name, filters)
	}
	if kh <= 0 || kw <= 0 {
		return nil, fmt.Errorf("%s layer %q: kernel size must be positive", kind, name)
	}
	act, err := NormalizeActivation(activation)
	if err != nil {
		return nil, fmt.Errorf("%s layer %q: %w", kind, name, err)
	}
	return &Conv{name: name, kind: kind, filters: filters, kernelH: kh, kernelW: kw, activation: act}, nil
}

func (c *Conv) Name() string { return c.name }
func (c *Conv) Kind() string { return c.kind }
func (c *Conv) Activation() string { return c.activation }
func (c *Conv) Filters() int { return c.filters }
func (c *Conv) InputShape() []int { return append([]int(nil), c.inputShape...) }
func (c *Conv) OutputShape() []int { return append([]int(nil), c.outputShape...) }
func (c *Conv) Params() []*Param { return []*Param{c.weights, c.bias} }

// Build implements Layer.
func (c *Conv) Build(inputShape []int, init Initializer) ([]int, error) {
	switch c.kind {
	case "conv1d":
		if len(inputShape) != 2 {
			return nil, &ShapeError{Op: "conv1d build", Layer: c.name, Expected: []int{-1, -1}, Actual: inputShape}
		}
		c.inH, c.inW, c.channels = 1, inputShape[0], inputShape[1]
	default:
		if len(inputShape) != 3 {
			return nil, &ShapeError{Op: "conv2d build", Layer: c.name, Expected: []int{-1, -1, -1}, Actual: inputShape}
		}
		c.inH, c.inW, c.channels = inputShape[0], inputShape[1], inputShape[2]
	}
	c.outH = c.inH - c.kernelH + 1
	c.outW = c.inW - c.kernelW + 1
	if c.outH <= 0 || c.outW <= 0 || c.channels <= 0 {
		return nil, &ShapeError{
			Op:       c.kind + " build",
			Layer:    c.name,
			Expected: []int{c.kernelH, c.kernelW},
			Actual:   inputShape,
		}
	}

	c.inputShape = append([]int(nil), inputShape...)
	if c.kind == "conv1d" {
		c.outputShape = []int{c.outW, c.filters}
	} else {
		c.outputShape = []int{c.outH, c.outW, c.filters}
	}

	fanIn := c.kernelH * c.kernelW * c.channels
	c.weights = newParam("kernel", c.kernelH, c.kernelW, c.channels, c.filters)
	c.bias = newParam("bias", c.filters)
	for i := range c.weights.Value {
		c.weights.Value[i] = init.Sample(fanIn, c.filters)
	}
	return c.OutputShape(), nil
}

func (c *Conv) inIndex(h, w, ch int) int { return (h*c.inW+w)*c.channels + ch }
func (c *Conv) outIndex(h, w, f int) int { return (h*c.outW+w)*c.filters + f }
func (c *Conv) wIndex(kh, kw, ch, f int) int {
	return ((kh*c.kernelW+kw)*c.channels+ch)*c.filters + f
}

// Forward implements Layer.
func (c *Conv) Forward(x *mat.Dense, training bool) (*mat.Dense, error) {
	if err := checkWidth(c.kind+" forward", c.name, x, product(c.inputShape)); err != nil {
		return nil, err
	}
	rows, _ := x.Dims()
	z := mat.NewDense(rows, product(c.outputShape), nil)
	wv, bv := c.weights.Value, c.bias.Value

	for n := 0; n < rows; n++ {
		in, out := x.RawRowView(n), z.RawRowView(n)
		for oh := 0; oh < c.outH; oh++ {
			for ow := 0; ow < c.outW; ow++ {
				for f := 0; f < c.filters; f++ {
					sum := bv[f]
					for kh := 0; kh < c.kernelH; kh++ {
						for kw := 0; kw < c.kernelW; kw++ {
							for ch := 0; ch < c.channels; ch++ {
								sum += in[c.inIndex(oh+kh, ow+kw, ch)] * wv[c.wIndex(kh, kw, ch, f)]
							}
						}
					}
					out[c.outIndex(oh, ow, f)] = sum
				}
			}
		}
	}

	a := activate(c.activation, z)
	if training {
		c.lastX, c.lastZ, c.lastA = x, z, a
	}
	return a, nil
}

// Backward implements Layer.
func (c *Conv) Backward(gradOut *mat.Dense) (*mat.Dense, error) {
	if c.lastX == nil {
		return nil, fmt.Errorf("%s layer %q: backward called before a training forward pass", c.kind, c.name)
	}
	if err := checkWidth(c.kind+" backward", c.name, gradOut, product(c.outputShape)); err != nil {
		return nil, err
	}
	return c.backwardFromLogits(activationBackward(c.activation, c.lastZ, c.lastA, gradOut))
}

func (c *Conv) backwardFromLogits(gradZ *mat.Dense) (*mat.Dense, error) {
	rows, _ := gradZ.Dims()
	gradX := mat.NewDense(rows, product(c.inputShape), nil)
	wv, wg, bg := c.weights.Value, c.weights.Grad, c.bias.Grad

	for n := 0; n < rows; n++ {
		in, gz, gx := c.lastX.RawRowView(n), gradZ.RawRowView(n), gradX.RawRowView(n)
		for oh := 0; oh < c.outH; oh++ {
			for ow := 0; ow < c.outW; ow++ {
				for f := 0; f < c.filters; f++ {
					g := gz[c.outIndex(oh, ow, f)]
					if g == 0 {
						continue
					}
					bg[f] += g
					for kh := 0; kh < c.kernelH; kh++ {
						for kw := 0; kw < c.kernelW; kw++ {
							for ch := 0; ch < c.channels; ch++ {
								ii := c.inIndex(oh+kh, ow+kw, ch)
								wi := c.wIndex(kh, kw, ch, f)
								wg[wi] += in[ii] * g
								gx[ii] += wv[wi] * g
							}
						}
					}
				}
			}
		}
	}
	return gradX, nil
}
