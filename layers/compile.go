package layers

import (
	"fmt"
	"math"
	"strings"
)

// CompiledLayer is a declared layer with its propagated shapes.
type CompiledLayer struct {
	Spec           LayerSpec `json:"spec"`
	InputShape     []int     `json:"input_shape"`
	OutputShape    []int     `json:"output_shape"`
	ParameterCount int64     `json:"parameter_count"`
}

// ModelSpec is a compiled model configuration: shapes and parameter counts
// for every layer, computed without allocating any weights.
type ModelSpec struct {
	Layers          []CompiledLayer `json:"layers"`
	TotalParameters int64           `json:"total_parameters"`
	InputShape      []int           `json:"input_shape"`
	OutputShape     []int           `json:"output_shape"`
}

// Compile propagates shapes through cfg for a dataset with inputWidth
// features.
func Compile(cfg ModelConfig, inputWidth int) (*ModelSpec, error) {
	if len(cfg.Layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	inputShape, err := ResolveInputShape(cfg.Layers[0], inputWidth)
	if err != nil {
		return nil, err
	}

	model := &ModelSpec{InputShape: inputShape}
	current := inputShape
	for i, layer := range cfg.Layers {
		out, params, err := computeLayerInfo(layer, current)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.DisplayName(i), err)
		}
		model.Layers = append(model.Layers, CompiledLayer{
			Spec:           layer.Clone(),
			InputShape:     append([]int(nil), current...),
			OutputShape:    out,
			ParameterCount: params,
		})
		model.TotalParameters += params
		current = out
	}
	model.OutputShape = current
	return model, nil
}

// ResolveInputShape returns the feature shape the first layer receives for
// a dataset of inputWidth features. A declared InputShape is used when its
// size matches; conv2d falls back to a square single-channel grid.
func ResolveInputShape(first LayerSpec, inputWidth int) ([]int, error) {
	if inputWidth <= 0 {
		return nil, fmt.Errorf("input width must be positive, got %d", inputWidth)
	}
	declared := first.InputShape
	matches := len(declared) > 0 && shapeSize(declared) == inputWidth

	switch first.Type {
	case Conv1D:
		if matches && len(declared) == 2 {
			return append([]int(nil), declared...), nil
		}
		return []int{inputWidth, 1}, nil
	case Conv2D:
		if matches && len(declared) == 3 {
			return append([]int(nil), declared...), nil
		}
		if matches && len(declared) == 2 {
			return []int{declared[0], declared[1], 1}, nil
		}
		side := int(math.Round(math.Sqrt(float64(inputWidth))))
		if side*side == inputWidth {
			return []int{side, side, 1}, nil
		}
		return nil, fmt.Errorf("shape mismatch: cannot arrange %d input features as a 2D grid for conv2d", inputWidth)
	default:
		return []int{inputWidth}, nil
	}
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}

// computeLayerInfo computes output shape and parameter count for a layer
func computeLayerInfo(layer LayerSpec, inputShape []int) ([]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv1D, Conv2D:
		return computeConvInfo(layer, inputShape)
	case Flatten:
		return []int{shapeSize(inputShape)}, 0, nil
	default:
		return nil, 0, fmt.Errorf("unsupported layer type: %q", string(layer.Type))
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer LayerSpec, inputShape []int) ([]int, int64, error) {
	if layer.Units <= 0 {
		return nil, 0, fmt.Errorf("dense layer requires units > 0, got %d", layer.Units)
	}
	// Multi-dimensional inputs are consumed flattened
	inputSize := shapeSize(inputShape)
	return []int{layer.Units}, int64(inputSize*layer.Units + layer.Units), nil
}

// computeConvInfo computes conv1d/conv2d layer information
func computeConvInfo(layer LayerSpec, inputShape []int) ([]int, int64, error) {
	if layer.Filters <= 0 || layer.KernelSize <= 0 {
		return nil, 0, fmt.Errorf("%s layer requires filters and kernelSize > 0", layer.Type)
	}
	k := layer.KernelSize
	if layer.Type == Conv1D {
		if len(inputShape) != 2 {
			return nil, 0, fmt.Errorf("conv1d layer requires [width, channels] input, got %v", inputShape)
		}
		w := inputShape[0] - k + 1
		if w <= 0 {
			return nil, 0, fmt.Errorf("conv1d kernel %d larger than input width %d", k, inputShape[0])
		}
		c := inputShape[1]
		return []int{w, layer.Filters}, int64(k*c*layer.Filters + layer.Filters), nil
	}

	if len(inputShape) != 3 {
		return nil, 0, fmt.Errorf("conv2d layer requires [height, width, channels] input, got %v", inputShape)
	}
	h, w := inputShape[0]-k+1, inputShape[1]-k+1
	if h <= 0 || w <= 0 {
		return nil, 0, fmt.Errorf("conv2d kernel %d larger than input %dx%d", k, inputShape[0], inputShape[1])
	}
	c := inputShape[2]
	return []int{h, w, layer.Filters}, int64(k*k*c*layer.Filters + layer.Filters), nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	var b strings.Builder
	b.WriteString("Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Spec.DisplayName(i), layer.Spec.Type.String())
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n", layer.ParameterCount)
		if layer.Spec.Activation != "" {
			fmt.Fprintf(&b, "  Activation: %s\n", layer.Spec.Activation)
		}
		b.WriteString("\n")
	}
	return b.String()
}
