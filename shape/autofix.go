package shape

import (
	"fmt"

	"github.com/tsawler/trainviz/dataset"
	"github.com/tsawler/trainviz/layers"
)

// ExpectedOutputSize returns the output width the data needs: one unit for
// regression and for two-class problems (sigmoid convention), otherwise one
// unit per class.
func ExpectedOutputSize(problem dataset.ProblemType, classes int) int {
	if problem != dataset.Classification || classes <= 2 {
		return 1
	}
	return classes
}

// ExpectedOutputSizeFor derives the expected output size from a dataset's
// label cardinality and problem type.
func ExpectedOutputSizeFor(ds *dataset.Dataset) int {
	if ds == nil {
		return 0
	}
	return ExpectedOutputSize(ds.ProblemType(), ds.ClassCount())
}

// OutputActivation returns the activation paired with an output layer for
// the given problem.
func OutputActivation(problem dataset.ProblemType, classes int) string {
	if problem != dataset.Classification {
		return "linear"
	}
	if classes <= 2 {
		return "sigmoid"
	}
	return "softmax"
}

// FixOutputLayer is the narrow rewrite used after a runtime shape failure:
// only the last layer's units and activation change. A non-dense last layer
// gets a dense output layer appended instead.
func FixOutputLayer(ls []layers.LayerSpec, problem dataset.ProblemType, classes int) ([]layers.LayerSpec, error) {
	if len(ls) == 0 {
		return nil, fmt.Errorf("no layers to fix")
	}
	units := ExpectedOutputSize(problem, classes)
	activation := OutputActivation(problem, classes)

	out := layers.CloneLayers(ls)
	last := &out[len(out)-1]
	if last.Type != layers.Dense {
		return append(out, layers.LayerSpec{
			ID:         layers.NewLayerID(),
			Type:       layers.Dense,
			Name:       "output",
			Units:      units,
			Activation: activation,
		}), nil
	}
	last.Units = units
	last.Activation = activation
	last.CustomActivation = ""
	return out, nil
}

// FixOutputLayerFor applies FixOutputLayer using the dataset's targets.
func FixOutputLayerFor(ls []layers.LayerSpec, ds *dataset.Dataset) ([]layers.LayerSpec, error) {
	if ds == nil {
		return nil, fmt.Errorf("no dataset to derive the output size from")
	}
	return FixOutputLayer(ls, ds.ProblemType(), ds.ClassCount())
}
