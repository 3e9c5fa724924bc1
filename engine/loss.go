package engine

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Loss names understood by Compile
const (
	LossMSE                     = "mse"
	LossBinaryCrossEntropy      = "binary_crossentropy"
	LossCategoricalCrossEntropy = "categorical_crossentropy"
)

const probEpsilon = 1e-7

// NormalizeLoss maps accepted spellings to the canonical loss name.
func NormalizeLoss(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mse", "mean_squared_error", "meansquarederror":
		return LossMSE, nil
	case "binary_crossentropy", "binarycrossentropy", "bce":
		return LossBinaryCrossEntropy, nil
	case "categorical_crossentropy", "categoricalcrossentropy", "cce":
		return LossCategoricalCrossEntropy, nil
	default:
		return "", fmt.Errorf("unknown loss %q", name)
	}
}

// computeLoss returns the mean loss over the batch.
func computeLoss(loss string, pred, target *mat.Dense) (float64, error) {
	if err := sameDims("loss", pred, target); err != nil {
		return 0, err
	}
	r, c := pred.Dims()
	total := 0.0
	for i := 0; i < r; i++ {
		p, y := pred.RawRowView(i), target.RawRowView(i)
		switch loss {
		case LossBinaryCrossEntropy:
			for j := 0; j < c; j++ {
				pj := clamp(p[j])
				total -= y[j]*math.Log(pj) + (1-y[j])*math.Log(1-pj)
			}
		case LossCategoricalCrossEntropy:
			for j := 0; j < c; j++ {
				total -= y[j] * math.Log(clamp(p[j]))
			}
		default:
			for j := 0; j < c; j++ {
				d := p[j] - y[j]
				total += d * d
			}
		}
	}
	switch loss {
	case LossCategoricalCrossEntropy:
		return total / float64(r), nil
	default:
		return total / float64(r*c), nil
	}
}

// lossGradient returns dL/d(pred) for the mean loss.
func lossGradient(loss string, pred, target *mat.Dense) *mat.Dense {
	r, c := pred.Dims()
	grad := mat.NewDense(r, c, nil)
	grad.Apply(func(i, j int, p float64) float64 {
		y := target.At(i, j)
		switch loss {
		case LossBinaryCrossEntropy:
			pc := clamp(p)
			return (pc - y) / (pc * (1 - pc)) / float64(r*c)
		case LossCategoricalCrossEntropy:
			return -y / clamp(p) / float64(r)
		default:
			return 2 * (p - y) / float64(r*c)
		}
	}, pred)
	return grad
}

// fusedLogitGradient returns dL/dz directly for sigmoid+BCE and
// softmax+CCE output pairs. ok is false for other combinations.
func fusedLogitGradient(loss, activation string, pred, target *mat.Dense) (*mat.Dense, bool) {
	r, c := pred.Dims()
	var scale float64
	switch {
	case loss == LossBinaryCrossEntropy && activation == ActivationSigmoid:
		scale = float64(r * c)
	case loss == LossCategoricalCrossEntropy && activation == ActivationSoftmax:
		scale = float64(r)
	default:
		return nil, false
	}
	grad := mat.NewDense(r, c, nil)
	grad.Sub(pred, target)
	grad.Scale(1/scale, grad)
	return grad, true
}

// accuracy compares predictions with targets: a 0.5 threshold for single
// output columns, arg-max agreement otherwise.
func accuracy(pred, target *mat.Dense) float64 {
	r, c := pred.Dims()
	if r == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < r; i++ {
		p, y := pred.RawRowView(i), target.RawRowView(i)
		if c == 1 {
			if (p[0] >= 0.5) == (y[0] >= 0.5) {
				correct++
			}
			continue
		}
		if argmax(p) == argmax(y) {
			correct++
		}
	}
	return float64(correct) / float64(r)
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func clamp(p float64) float64 {
	return math.Min(math.Max(p, probEpsilon), 1-probEpsilon)
}

func sameDims(op string, a, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return &ShapeError{Op: op, Expected: []int{ar, ac}, Actual: []int{br, bc}}
	}
	return nil
}
