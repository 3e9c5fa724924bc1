package layers

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// LayerType represents the kind of a declared layer
type LayerType string

const (
	Dense   LayerType = "dense"
	Conv1D  LayerType = "conv1d"
	Conv2D  LayerType = "conv2d"
	Flatten LayerType = "flatten"
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv1D:
		return "Conv1D"
	case Conv2D:
		return "Conv2D"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// Valid reports whether lt is a known layer kind.
func (lt LayerType) Valid() bool {
	switch lt {
	case Dense, Conv1D, Conv2D, Flatten:
		return true
	}
	return false
}

// CustomActivation is the activation name used by layers whose activation
// is user-authored code.
const CustomActivation = "custom"

// LayerSpec is one declared layer of a model. This is pure configuration;
// InputShape is only honored on the first layer.
type LayerSpec struct {
	ID               string    `json:"id"`
	Type             LayerType `json:"type"`
	Name             string    `json:"name,omitempty"`
	Units            int       `json:"units,omitempty"`
	Filters          int       `json:"filters,omitempty"`
	KernelSize       int       `json:"kernelSize,omitempty"`
	Activation       string    `json:"activation,omitempty"`
	CustomActivation string    `json:"customActivation,omitempty"`
	InputShape       []int     `json:"inputShape,omitempty"`
}

// Clone returns a deep copy of the spec
func (l LayerSpec) Clone() LayerSpec {
	c := l
	if l.InputShape != nil {
		c.InputShape = append([]int(nil), l.InputShape...)
	}
	return c
}

// Width returns the number of output channels the layer declares: units for
// dense layers, filters for convolutions, zero for flatten.
func (l LayerSpec) Width() int {
	switch l.Type {
	case Dense:
		return l.Units
	case Conv1D, Conv2D:
		return l.Filters
	default:
		return 0
	}
}

// HasCustomActivation reports whether the layer uses user-authored code.
func (l LayerSpec) HasCustomActivation() bool {
	return strings.EqualFold(l.Activation, CustomActivation) || strings.TrimSpace(l.CustomActivation) != ""
}

// DisplayName returns Name, falling back to the kind and position.
func (l LayerSpec) DisplayName(index int) string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("%s_%d", l.Type, index)
}

// ModelConfig is the ordered layer list plus loss and metric selectors.
type ModelConfig struct {
	Layers  []LayerSpec `json:"layers"`
	Loss    string      `json:"loss,omitempty"`
	Metrics []string    `json:"metrics,omitempty"`
}

// Clone returns a deep copy of the config
func (mc ModelConfig) Clone() ModelConfig {
	c := ModelConfig{Loss: mc.Loss}
	if mc.Layers != nil {
		c.Layers = CloneLayers(mc.Layers)
	}
	if mc.Metrics != nil {
		c.Metrics = append([]string(nil), mc.Metrics...)
	}
	return c
}

// CloneLayers deep-copies a layer list
func CloneLayers(ls []LayerSpec) []LayerSpec {
	out := make([]LayerSpec, len(ls))
	for i, l := range ls {
		out[i] = l.Clone()
	}
	return out
}

// NewLayerID returns a fresh identifier for a declared layer
func NewLayerID() string {
	return uuid.NewString()
}

// ModelBuilder assembles a ModelConfig fluently
type ModelBuilder struct {
	layers  []LayerSpec
	loss    string
	metrics []string
}

// NewModelBuilder creates a new model builder
func NewModelBuilder() *ModelBuilder {
	return &ModelBuilder{layers: make([]LayerSpec, 0)}
}

// AddLayer adds a layer to the model, assigning an ID when it has none
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.ID == "" {
		layer.ID = NewLayerID()
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(units int, activation, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Dense, Name: name, Units: units, Activation: activation})
}

// AddConv1D adds a 1D convolution to the model
func (mb *ModelBuilder) AddConv1D(filters, kernelSize int, activation, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Conv1D, Name: name, Filters: filters, KernelSize: kernelSize, Activation: activation})
}

// AddConv2D adds a 2D convolution to the model
func (mb *ModelBuilder) AddConv2D(filters, kernelSize int, activation, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Conv2D, Name: name, Filters: filters, KernelSize: kernelSize, Activation: activation})
}

// AddFlatten adds a flatten layer to the model
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// WithInputShape annotates the first layer's input shape
func (mb *ModelBuilder) WithInputShape(shape ...int) *ModelBuilder {
	if len(mb.layers) > 0 {
		mb.layers[0].InputShape = append([]int(nil), shape...)
	}
	return mb
}

// WithLoss sets the loss selector
func (mb *ModelBuilder) WithLoss(loss string) *ModelBuilder {
	mb.loss = loss
	return mb
}

// WithMetrics sets the metric selectors
func (mb *ModelBuilder) WithMetrics(metrics ...string) *ModelBuilder {
	mb.metrics = append([]string(nil), metrics...)
	return mb
}

// Config returns the assembled configuration
func (mb *ModelBuilder) Config() ModelConfig {
	return ModelConfig{Layers: mb.layers, Loss: mb.loss, Metrics: mb.metrics}.Clone()
}
