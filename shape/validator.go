package shape

import (
	"fmt"
	"math"

	"github.com/tsawler/trainviz/layers"
)

// IssueKind classifies a shape problem
type IssueKind string

const (
	InputMismatch  IssueKind = "input_mismatch"
	LayerMismatch  IssueKind = "layer_mismatch"
	OutputMismatch IssueKind = "output_mismatch"
)

// Issue is one architecture/data incompatibility found by Validate.
type Issue struct {
	Kind       IssueKind `json:"kind"`
	LayerIndex int       `json:"layerIndex"`
	LayerID    string    `json:"layerId"`
	Expected   int       `json:"expected"`
	Actual     int       `json:"actual"`
	Message    string    `json:"message"`
}

// Result is the outcome of a validation pass
type Result struct {
	IsValid     bool         `json:"isValid"`
	Issues      []Issue      `json:"issues"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Policy holds the heuristic thresholds used by the checks.
type Policy struct {
	// InputFactor flags a first dense layer narrower than inputSize/InputFactor.
	InputFactor int `json:"inputFactor"`
	// BottleneckRatio and BottleneckMinUnits must both be undercut for an
	// interior dense layer to count as a bottleneck.
	BottleneckRatio    float64 `json:"bottleneckRatio"`
	BottleneckMinUnits int     `json:"bottleneckMinUnits"`
	// BottleneckSuggestRatio sizes the suggested replacement from the
	// preceding dense layer.
	BottleneckSuggestRatio float64 `json:"bottleneckSuggestRatio"`
}

// DefaultPolicy returns the standard thresholds
func DefaultPolicy() Policy {
	return Policy{
		InputFactor:            10,
		BottleneckRatio:        0.1,
		BottleneckMinUnits:     16,
		BottleneckSuggestRatio: 0.25,
	}
}

// Validator runs the checks under a configurable policy
type Validator struct {
	Policy Policy
}

// NewValidator creates a validator with the default policy
func NewValidator() *Validator {
	return &Validator{Policy: DefaultPolicy()}
}

// Validate checks ls against the dataset's input width and expected output
// width with the default policy. It never mutates its arguments.
func Validate(ls []layers.LayerSpec, inputSize, expectedOutputSize int) Result {
	return NewValidator().Validate(ls, inputSize, expectedOutputSize)
}

// Validate applies the input, output and bottleneck rules independently.
func (v *Validator) Validate(ls []layers.LayerSpec, inputSize, expectedOutputSize int) Result {
	p := v.Policy
	if p.InputFactor <= 0 {
		p = DefaultPolicy()
	}
	res := Result{Issues: []Issue{}, Suggestions: []Suggestion{}}
	if len(ls) == 0 {
		res.IsValid = true
		return res
	}

	v.checkDeclaredInput(ls, inputSize, &res)
	v.checkInput(p, ls, inputSize, &res)
	v.checkOutput(ls, expectedOutputSize, &res)
	v.checkBottlenecks(p, ls, &res)

	res.IsValid = len(res.Issues) == 0
	return res
}

// checkDeclaredInput flags a first-layer input annotation whose size
// disagrees with the dataset.
func (v *Validator) checkDeclaredInput(ls []layers.LayerSpec, inputSize int, res *Result) {
	first := ls[0]
	if len(first.InputShape) == 0 || inputSize <= 0 {
		return
	}
	declared := 1
	for _, d := range first.InputShape {
		declared *= d
	}
	if declared == inputSize {
		return
	}
	res.Issues = append(res.Issues, Issue{
		Kind:       InputMismatch,
		LayerIndex: 0,
		LayerID:    first.ID,
		Expected:   inputSize,
		Actual:     declared,
		Message:    fmt.Sprintf("Input shape %v declares %d features but the dataset has %d", first.InputShape, declared, inputSize),
	})
	res.Suggestions = append(res.Suggestions, Suggestion{
		IssueKind:  InputMismatch,
		LayerIndex: 0,
		Action:     ReplaceInputSize,
		InputSize:  inputSize,
		Message:    fmt.Sprintf("Set the input size to %d", inputSize),
	})
}

func (v *Validator) checkInput(p Policy, ls []layers.LayerSpec, inputSize int, res *Result) {
	first := ls[0]
	if len(ls) < 2 || first.Type != layers.Dense || first.Units <= 0 {
		return
	}
	if inputSize <= first.Units*p.InputFactor {
		return
	}
	suggested := first.Units * 2
	if half := int(math.Ceil(float64(inputSize) / 2)); half > suggested {
		suggested = half
	}
	res.Issues = append(res.Issues, Issue{
		Kind:       InputMismatch,
		LayerIndex: 0,
		LayerID:    first.ID,
		Expected:   suggested,
		Actual:     first.Units,
		Message: fmt.Sprintf("First layer has %d units for %d input features; it may be too small to learn from the input",
			first.Units, inputSize),
	})
	res.Suggestions = append(res.Suggestions, Suggestion{
		IssueKind:  InputMismatch,
		LayerIndex: 0,
		Action:     ReplaceLayers,
		Units:      suggested,
		Message:    fmt.Sprintf("Increase the first layer to %d units", suggested),
	})
}

func (v *Validator) checkOutput(ls []layers.LayerSpec, expected int, res *Result) {
	if expected <= 0 {
		return
	}
	lastIndex := len(ls) - 1
	last := ls[lastIndex]

	if last.Type != layers.Dense {
		res.Issues = append(res.Issues, Issue{
			Kind:       OutputMismatch,
			LayerIndex: lastIndex,
			LayerID:    last.ID,
			Expected:   expected,
			Actual:     last.Width(),
			Message:    fmt.Sprintf("Last layer is %s; the output needs a dense layer with %d units", last.Type, expected),
		})
		out := layers.LayerSpec{Type: layers.Dense, Name: "output", Units: expected, Activation: outputActivation(expected)}
		res.Suggestions = append(res.Suggestions, Suggestion{
			IssueKind:  OutputMismatch,
			LayerIndex: lastIndex + 1,
			Action:     ReplaceLayers,
			Append:     &out,
			Message:    fmt.Sprintf("Append a dense output layer with %d units", expected),
		})
		return
	}

	if last.Units == expected {
		return
	}
	res.Issues = append(res.Issues, Issue{
		Kind:       OutputMismatch,
		LayerIndex: lastIndex,
		LayerID:    last.ID,
		Expected:   expected,
		Actual:     last.Units,
		Message:    fmt.Sprintf("Output layer has %d units but the data needs %d", last.Units, expected),
	})
	res.Suggestions = append(res.Suggestions, Suggestion{
		IssueKind:  OutputMismatch,
		LayerIndex: lastIndex,
		Action:     ReplaceLayers,
		Units:      expected,
		Message:    fmt.Sprintf("Set the output layer to %d units", expected),
	})
}

func (v *Validator) checkBottlenecks(p Policy, ls []layers.LayerSpec, res *Result) {
	prevDense := -1
	for i, l := range ls {
		if l.Type != layers.Dense {
			continue
		}
		interior := i > 0 && i < len(ls)-1
		if interior && prevDense >= 0 {
			prev := ls[prevDense].Units
			if float64(l.Units) < float64(prev)*p.BottleneckRatio && l.Units < p.BottleneckMinUnits {
				suggested := int(math.Ceil(float64(prev) * p.BottleneckSuggestRatio))
				res.Issues = append(res.Issues, Issue{
					Kind:       LayerMismatch,
					LayerIndex: i,
					LayerID:    l.ID,
					Expected:   suggested,
					Actual:     l.Units,
					Message:    fmt.Sprintf("Layer %d narrows from %d to %d units and may be a bottleneck", i, prev, l.Units),
				})
				res.Suggestions = append(res.Suggestions, Suggestion{
					IssueKind:  LayerMismatch,
					LayerIndex: i,
					Action:     ReplaceLayers,
					Units:      suggested,
					Message:    fmt.Sprintf("Widen layer %d to %d units", i, suggested),
				})
			}
		}
		prevDense = i
	}
}

func outputActivation(units int) string {
	if units == 1 {
		return "linear"
	}
	return "softmax"
}
