package engine

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Activation names understood by the engine
const (
	ActivationLinear    = "linear"
	ActivationReLU      = "relu"
	ActivationSigmoid   = "sigmoid"
	ActivationTanh      = "tanh"
	ActivationSoftmax   = "softmax"
	ActivationLeakyReLU = "leakyrelu"
	ActivationELU       = "elu"
)

const leakySlope = 0.01

// NormalizeActivation maps accepted spellings to the canonical activation
// name. An empty name means linear.
func NormalizeActivation(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "_", "")
	switch n {
	case "", "linear", "none", "identity":
		return ActivationLinear, nil
	case "relu":
		return ActivationReLU, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	case "tanh":
		return ActivationTanh, nil
	case "softmax":
		return ActivationSoftmax, nil
	case "leakyrelu":
		return ActivationLeakyReLU, nil
	case "elu":
		return ActivationELU, nil
	default:
		return "", fmt.Errorf("unknown activation %q", name)
	}
}

// activate applies the activation row-wise to pre-activations z.
func activate(name string, z *mat.Dense) *mat.Dense {
	r, c := z.Dims()
	out := mat.NewDense(r, c, nil)
	if name == ActivationSoftmax {
		for i := 0; i < r; i++ {
			softmaxRow(z.RawRowView(i), out.RawRowView(i))
		}
		return out
	}
	out.Apply(func(_, _ int, v float64) float64 {
		return activateScalar(name, v)
	}, z)
	return out
}

func activateScalar(name string, v float64) float64 {
	switch name {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationSigmoid:
		return 1.0 / (1.0 + math.Exp(-v))
	case ActivationTanh:
		return math.Tanh(v)
	case ActivationLeakyReLU:
		if v < 0 {
			return v * leakySlope
		}
		return v
	case ActivationELU:
		if v < 0 {
			return math.Exp(v) - 1
		}
		return v
	default:
		return v
	}
}

// derivativeScalar is the derivative with respect to the pre-activation v,
// given the activated value a.
func derivativeScalar(name string, v, a float64) float64 {
	switch name {
	case ActivationReLU:
		if v > 0 {
			return 1
		}
		return 0
	case ActivationSigmoid:
		return a * (1 - a)
	case ActivationTanh:
		return 1 - a*a
	case ActivationLeakyReLU:
		if v >= 0 {
			return 1
		}
		return leakySlope
	case ActivationELU:
		if v < 0 {
			return a + 1
		}
		return 1
	default:
		return 1
	}
}

// activationBackward maps dL/da to dL/dz.
func activationBackward(name string, z, a, gradA *mat.Dense) *mat.Dense {
	r, c := z.Dims()
	out := mat.NewDense(r, c, nil)
	if name == ActivationSoftmax {
		// Jacobian-vector product per row: dz_i = a_i * (g_i - sum_j g_j a_j)
		for i := 0; i < r; i++ {
			ar, gr, or := a.RawRowView(i), gradA.RawRowView(i), out.RawRowView(i)
			dot := 0.0
			for j := range ar {
				dot += gr[j] * ar[j]
			}
			for j := range ar {
				or[j] = ar[j] * (gr[j] - dot)
			}
		}
		return out
	}
	out.Apply(func(i, j int, g float64) float64 {
		return g * derivativeScalar(name, z.At(i, j), a.At(i, j))
	}, gradA)
	return out
}

func softmaxRow(in, out []float64) {
	max := math.Inf(-1)
	for _, v := range in {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	for j, v := range in {
		e := math.Exp(v - max)
		out[j] = e
		sum += e
	}
	for j := range out {
		out[j] /= sum
	}
}
