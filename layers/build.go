package layers

import (
	"fmt"
	"log"
	"strings"

	"github.com/tsawler/trainviz/engine"
	"github.com/tsawler/trainviz/memory"
)

// FallbackActivation replaces user-authored activations at build time.
const FallbackActivation = engine.ActivationReLU

// DefaultFallbackHiddenUnits sizes the hidden layer of the fallback network.
const DefaultFallbackHiddenUnits = 16

// BuildOptions carries everything Build needs besides the layer list.
type BuildOptions struct {
	InputWidth   int // dataset feature count
	OutputWidth  int // dataset target width, used by the fallback network
	HiddenUnits  int // fallback hidden layer size
	Optimizer    string
	LearningRate float64
	Seed         int64
	Manager      *memory.Manager
	Logger       *log.Logger
}

// SkippedLayer explains why a declared layer was left out of the model.
type SkippedLayer struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ActivationFallback records a substituted activation.
type ActivationFallback struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// BuildReport describes how the declared layers were translated.
type BuildReport struct {
	InputShape  []int                `json:"inputShape"`
	Built       int                  `json:"built"`
	Skipped     []SkippedLayer       `json:"skipped,omitempty"`
	Activations []ActivationFallback `json:"activations,omitempty"`
	Fallback    bool                 `json:"fallback"`
	Loss        string               `json:"loss"`
	Metrics     []string             `json:"metrics,omitempty"`
}

// Build translates a declarative model config into a compiled engine model.
// Unconstructible layers are skipped; when nothing can be built a two-layer
// network (hidden relu dense, linear output) is substituted. Custom
// activations are never executed and fall back to relu.
func Build(cfg ModelConfig, opts BuildOptions) (*engine.Sequential, *BuildReport, error) {
	if opts.InputWidth <= 0 {
		return nil, nil, fmt.Errorf("input width must be positive, got %d", opts.InputWidth)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Optimizer == "" {
		opts.Optimizer = "adam"
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.01
	}
	report := &BuildReport{}

	model := newModel(opts)
	for i, spec := range cfg.Layers {
		layer, fallback, err := translate(spec, i)
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedLayer{Index: i, ID: spec.ID, Reason: err.Error()})
			opts.Logger.Printf("[builder] skipping layer %d (%s): %v", i, spec.DisplayName(i), err)
			continue
		}
		if fallback != nil {
			report.Activations = append(report.Activations, *fallback)
			opts.Logger.Printf("[builder] layer %d (%s): custom activation replaced with %s", i, spec.DisplayName(i), fallback.To)
		}

		if report.Built == 0 {
			// The first constructed layer carries the only input shape
			inputShape, err := ResolveInputShape(spec, opts.InputWidth)
			if err != nil {
				_ = model.Dispose()
				opts.Logger.Printf("[builder] layer %d (%s): %v", i, spec.DisplayName(i), err)
				return nil, report, &engine.ShapeError{
					Op:       string(spec.Type) + " input reshape",
					Layer:    spec.DisplayName(i),
					Expected: spec.InputShape,
					Actual:   []int{opts.InputWidth},
				}
			}
			err = model.Add(layer, inputShape...)
			if err != nil {
				report.Skipped = append(report.Skipped, SkippedLayer{Index: i, ID: spec.ID, Reason: err.Error()})
				opts.Logger.Printf("[builder] skipping layer %d (%s): %v", i, spec.DisplayName(i), err)
				continue
			}
			report.InputShape = inputShape
		} else if err := model.Add(layer); err != nil {
			report.Skipped = append(report.Skipped, SkippedLayer{Index: i, ID: spec.ID, Reason: err.Error()})
			opts.Logger.Printf("[builder] skipping layer %d (%s): %v", i, spec.DisplayName(i), err)
			continue
		}
		report.Built++
	}

	if report.Built == 0 {
		_ = model.Dispose()
		model = newModel(opts)
		if err := addFallback(model, opts); err != nil {
			return nil, report, err
		}
		report.Fallback = true
		report.Built = 2
		report.InputShape = []int{opts.InputWidth}
		opts.Logger.Printf("[builder] no usable layers declared, using fallback network")
	}

	loss, err := engine.NormalizeLoss(cfg.Loss)
	if err != nil {
		_ = model.Dispose()
		return nil, report, err
	}
	metrics := cfg.Metrics
	if len(metrics) == 0 && loss != engine.LossMSE {
		metrics = []string{"accuracy"}
	}
	report.Loss = loss
	report.Metrics = append([]string(nil), metrics...)

	if err := model.Compile(engine.CompileConfig{
		Optimizer:    opts.Optimizer,
		LearningRate: opts.LearningRate,
		Loss:         loss,
		Metrics:      metrics,
	}); err != nil {
		_ = model.Dispose()
		return nil, report, err
	}
	return model, report, nil
}

func newModel(opts BuildOptions) *engine.Sequential {
	modelOpts := []engine.Option{engine.WithLogger(opts.Logger), engine.WithSeed(opts.Seed)}
	if opts.Manager != nil {
		modelOpts = append(modelOpts, engine.WithManager(opts.Manager))
	}
	return engine.NewSequential(modelOpts...)
}

func addFallback(model *engine.Sequential, opts BuildOptions) error {
	hidden := opts.HiddenUnits
	if hidden <= 0 {
		hidden = DefaultFallbackHiddenUnits
	}
	out := opts.OutputWidth
	if out <= 0 {
		out = 1
	}
	h, err := engine.NewDense("fallback_hidden", hidden, engine.ActivationReLU)
	if err != nil {
		return err
	}
	o, err := engine.NewDense("fallback_output", out, engine.ActivationLinear)
	if err != nil {
		return err
	}
	if err := model.Add(h, opts.InputWidth); err != nil {
		return err
	}
	return model.Add(o)
}

// translate maps one declared layer onto its engine layer.
func translate(spec LayerSpec, index int) (engine.Layer, *ActivationFallback, error) {
	activation := spec.Activation
	var fallback *ActivationFallback
	if spec.Type != Flatten {
		if spec.HasCustomActivation() {
			fallback = &ActivationFallback{Index: index, ID: spec.ID, From: CustomActivation, To: FallbackActivation}
			activation = FallbackActivation
		} else if _, err := engine.NormalizeActivation(activation); err != nil {
			fallback = &ActivationFallback{Index: index, ID: spec.ID, From: strings.ToLower(activation), To: FallbackActivation}
			activation = FallbackActivation
		}
	}

	name := spec.DisplayName(index)
	var (
		layer engine.Layer
		err   error
	)
	switch spec.Type {
	case Dense:
		layer, err = engine.NewDense(name, spec.Units, activation)
	case Conv1D:
		layer, err = engine.NewConv1D(name, spec.Filters, spec.KernelSize, activation)
	case Conv2D:
		layer, err = engine.NewConv2D(name, spec.Filters, spec.KernelSize, activation)
	case Flatten:
		layer = engine.NewFlatten(name)
	default:
		err = fmt.Errorf("unsupported layer type %q", string(spec.Type))
	}
	if err != nil {
		return nil, nil, err
	}
	return layer, fallback, nil
}
