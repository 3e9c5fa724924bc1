package shape

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/trainviz/layers"
)

// Action names what a suggestion rewrites
type Action string

const (
	// ReplaceLayers produces a revised layer list
	ReplaceLayers Action = "replace_layers"
	// ReplaceInputSize produces a revised input-size scalar
	ReplaceInputSize Action = "replace_input_size"
)

// ErrNotApplicable is returned when a suggestion does not fit the layer list
// it is applied to.
var ErrNotApplicable = errors.New("suggestion does not apply to this layer list")

// Suggestion is an executable corrective edit. Validate only proposes them;
// nothing is changed until the caller applies one.
type Suggestion struct {
	IssueKind  IssueKind `json:"issueKind"`
	LayerIndex int       `json:"layerIndex"`
	Action     Action    `json:"action"`
	Message    string    `json:"message"`

	// Units is the new unit count for the layer at LayerIndex
	Units int `json:"units,omitempty"`
	// Append is a layer added at the end of the list
	Append *layers.LayerSpec `json:"append,omitempty"`
	// InputSize is the replacement input-size scalar
	InputSize int `json:"inputSize,omitempty"`
}

// Apply returns the revised layer list and input size. The inputs are not
// modified.
func (s Suggestion) Apply(ls []layers.LayerSpec, inputSize int) ([]layers.LayerSpec, int, error) {
	out := layers.CloneLayers(ls)
	switch s.Action {
	case ReplaceInputSize:
		if s.InputSize <= 0 {
			return nil, 0, fmt.Errorf("%w: input size %d", ErrNotApplicable, s.InputSize)
		}
		if len(out) > 0 {
			out[0].InputShape = inputShapeFor(out[0].Type, s.InputSize)
		}
		return out, s.InputSize, nil

	case ReplaceLayers:
		if s.Append != nil {
			l := s.Append.Clone()
			if l.ID == "" {
				l.ID = layers.NewLayerID()
			}
			return append(out, l), inputSize, nil
		}
		if s.LayerIndex < 0 || s.LayerIndex >= len(out) {
			return nil, 0, fmt.Errorf("%w: layer index %d out of range [0,%d)", ErrNotApplicable, s.LayerIndex, len(out))
		}
		if out[s.LayerIndex].Type != layers.Dense || s.Units <= 0 {
			return nil, 0, fmt.Errorf("%w: layer %d is %s", ErrNotApplicable, s.LayerIndex, out[s.LayerIndex].Type)
		}
		out[s.LayerIndex].Units = s.Units
		return out, inputSize, nil

	default:
		return nil, 0, fmt.Errorf("%w: unknown action %q", ErrNotApplicable, string(s.Action))
	}
}

// ApplyAll applies every suggestion in order, or none of them: on the first
// failure the original list and input size are returned with the error.
func ApplyAll(suggestions []Suggestion, ls []layers.LayerSpec, inputSize int) ([]layers.LayerSpec, int, error) {
	current, size := layers.CloneLayers(ls), inputSize
	for i, s := range suggestions {
		next, nextSize, err := s.Apply(current, size)
		if err != nil {
			return layers.CloneLayers(ls), inputSize, fmt.Errorf("suggestion %d (%s): %w", i, s.IssueKind, err)
		}
		current, size = next, nextSize
	}
	return current, size, nil
}

func inputShapeFor(kind layers.LayerType, size int) []int {
	switch kind {
	case layers.Conv1D:
		return []int{size, 1}
	case layers.Conv2D:
		side := int(math.Round(math.Sqrt(float64(size))))
		if side*side == size {
			return []int{side, side, 1}
		}
		return nil
	default:
		return []int{size}
	}
}
