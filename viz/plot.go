package viz

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/trainviz/dataset"
	"github.com/tsawler/trainviz/protocol"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves    PlotType = "training_curves"
	PredictionScatter PlotType = "prediction_scatter"
	ResidualPlot      PlotType = "residual_plot"
	WeightMagnitudes  PlotType = "weight_magnitudes"
	ActivationPattern PlotType = "activation_pattern"
)

// PlotTypes lists every plot Build understands
func PlotTypes() []PlotType {
	return []PlotType{TrainingCurves, PredictionScatter, ResidualPlot, WeightMagnitudes, ActivationPattern}
}

// PlotData is the universal JSON format consumed by plotting front ends
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "bar", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
	Color string      `json:"color,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	ZAxisLabel  string `json:"z_axis_label,omitempty"`
	XAxisScale  string `json:"x_axis_scale"`
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// Source is the read model a plot is projected from
type Source struct {
	ModelName   string
	Problem     dataset.ProblemType
	Classes     []string
	Metrics     []protocol.MetricPoint
	Predictions []protocol.PredictionSample
	Activations []protocol.LayerSnapshot
	Weights     []protocol.LayerSnapshot
}

// ParsePlotType validates a plot name
func ParsePlotType(name string) (PlotType, error) {
	for _, pt := range PlotTypes() {
		if string(pt) == name {
			return pt, nil
		}
	}
	return "", fmt.Errorf("unsupported plot type: %s", name)
}

// Build projects src into the requested plot
func Build(pt PlotType, src Source) (PlotData, error) {
	switch pt {
	case TrainingCurves:
		return TrainingCurvesPlot(src), nil
	case PredictionScatter:
		return PredictionScatterPlot(src), nil
	case ResidualPlot:
		return ResidualsPlot(src), nil
	case WeightMagnitudes:
		return WeightMagnitudesPlot(src), nil
	case ActivationPattern:
		return ActivationPatternPlot(src), nil
	default:
		return PlotData{}, fmt.Errorf("unsupported plot type: %s", pt)
	}
}

func newPlot(pt PlotType, title string, src Source, cfg PlotConfig) PlotData {
	cfg.XAxisScale = "linear"
	cfg.YAxisScale = "linear"
	cfg.ShowGrid = true
	cfg.Interactive = true
	name := src.ModelName
	if name == "" {
		name = "model"
	}
	return PlotData{
		PlotType:  pt,
		Title:     fmt.Sprintf("%s - %s", title, name),
		Timestamp: time.Now(),
		ModelName: name,
		Series:    make([]SeriesData, 0),
		Config:    cfg,
	}
}

func lineStyle(color string, dashed bool) map[string]interface{} {
	style := map[string]interface{}{"color": color, "line_width": 2}
	if dashed {
		style["line_style"] = "dashed"
	}
	return style
}

// TrainingCurvesPlot draws loss and accuracy per epoch. Validation series
// appear only for epochs that carried validation values.
func TrainingCurvesPlot(src Source) PlotData {
	plot := newPlot(TrainingCurves, "Training Curves", src, PlotConfig{
		XAxisLabel: "Epoch",
		YAxisLabel: "Loss / Accuracy",
		ShowLegend: true,
		Width:      800,
		Height:     600,
	})

	loss := SeriesData{Name: "Training Loss", Type: "line", Style: lineStyle("#FF6B6B", false)}
	acc := SeriesData{Name: "Training Accuracy", Type: "line", Style: lineStyle("#4ECDC4", false)}
	valLoss := SeriesData{Name: "Validation Loss", Type: "line", Style: lineStyle("#FF9F43", true)}
	valAcc := SeriesData{Name: "Validation Accuracy", Type: "line", Style: lineStyle("#5F27CD", true)}

	for _, m := range src.Metrics {
		loss.Data = append(loss.Data, DataPoint{X: m.Epoch, Y: m.Loss})
		if m.Accuracy != nil {
			acc.Data = append(acc.Data, DataPoint{X: m.Epoch, Y: *m.Accuracy})
		}
		if m.ValLoss != nil {
			valLoss.Data = append(valLoss.Data, DataPoint{X: m.Epoch, Y: *m.ValLoss})
		}
		if m.ValAccuracy != nil {
			valAcc.Data = append(valAcc.Data, DataPoint{X: m.Epoch, Y: *m.ValAccuracy})
		}
	}
	for _, s := range []SeriesData{loss, acc, valLoss, valAcc} {
		if len(s.Data) > 0 {
			plot.Series = append(plot.Series, s)
		}
	}

	if n := len(src.Metrics); n > 0 {
		last := src.Metrics[n-1]
		plot.Metrics = map[string]interface{}{"epochs": n, "final_loss": last.Loss}
		if last.Accuracy != nil {
			plot.Metrics["final_accuracy"] = *last.Accuracy
		}
	}
	return plot
}

// PredictionScatterPlot shows actual against predicted values for
// regression, and the first two input features colored by predicted class
// for classification.
func PredictionScatterPlot(src Source) PlotData {
	if src.Problem == dataset.Classification {
		return classScatter(src)
	}

	plot := newPlot(PredictionScatter, "Regression Scatter Plot", src, PlotConfig{
		XAxisLabel: "True Values",
		YAxisLabel: "Predicted Values",
		ShowLegend: true,
		Width:      600,
		Height:     600,
	})
	if len(src.Predictions) == 0 {
		return plot
	}

	points := make([]DataPoint, 0, len(src.Predictions))
	minVal, maxVal := math.Inf(1), math.Inf(-1)
	for _, p := range src.Predictions {
		if len(p.Actual) == 0 || len(p.Prediction) == 0 {
			continue
		}
		points = append(points, DataPoint{X: p.Actual[0], Y: p.Prediction[0]})
		minVal = math.Min(minVal, p.Actual[0])
		maxVal = math.Max(maxVal, p.Actual[0])
	}
	if len(points) == 0 {
		return plot
	}
	plot.Series = append(plot.Series,
		SeriesData{Name: "Predictions", Type: "scatter", Data: points, Style: map[string]interface{}{"color": "#4ECDC4", "alpha": 0.6}},
		SeriesData{Name: "Perfect Prediction", Type: "line", Data: []DataPoint{{X: minVal, Y: minVal}, {X: maxVal, Y: maxVal}}, Style: lineStyle("#FF6B6B", true)},
	)
	m := CalculateRegressionMetrics(src.Predictions)
	plot.Metrics = map[string]interface{}{"mae": m.MAE, "rmse": m.RMSE, "r2": m.R2}
	return plot
}

var palette = []string{"#4ECDC4", "#FF6B6B", "#FF9F43", "#5F27CD", "#10AC84", "#EE5253", "#2E86DE", "#F368E0", "#576574", "#FECA57"}

func classScatter(src Source) PlotData {
	plot := newPlot(PredictionScatter, "Decision Scatter Plot", src, PlotConfig{
		XAxisLabel: "Feature 1",
		YAxisLabel: "Feature 2",
		ShowLegend: true,
		Width:      600,
		Height:     600,
	})

	byClass := make(map[int][]DataPoint)
	correct := 0
	for _, p := range src.Predictions {
		if len(p.Input) == 0 || len(p.Prediction) == 0 {
			continue
		}
		pred := ClassIndex(p.Prediction)
		var y interface{} = float64(p.Index)
		if len(p.Input) > 1 {
			y = p.Input[1]
		}
		pt := DataPoint{X: p.Input[0], Y: y, Label: className(src.Classes, pred), Color: palette[pred%len(palette)]}
		if len(p.Actual) > 0 && ClassIndex(p.Actual) == pred {
			correct++
		}
		byClass[pred] = append(byClass[pred], pt)
	}
	keys := make([]int, 0, len(byClass))
	for c := range byClass {
		keys = append(keys, c)
	}
	sort.Ints(keys)
	for _, c := range keys {
		pts := byClass[c]
		plot.Series = append(plot.Series, SeriesData{
			Name:  className(src.Classes, c),
			Type:  "scatter",
			Data:  pts,
			Style: map[string]interface{}{"color": palette[c%len(palette)], "alpha": 0.7},
		})
	}
	if n := len(src.Predictions); n > 0 {
		cm := ConfusionFromPredictions(src.Predictions, classCount(src))
		plot.Metrics = map[string]interface{}{
			"accuracy":         float64(correct) / float64(n),
			"macro_precision":  cm.MacroPrecision(),
			"macro_recall":     cm.MacroRecall(),
			"macro_f1":         cm.MacroF1(),
			"confusion_matrix": cm.Matrix,
		}
	}
	return plot
}

func classCount(src Source) int {
	n := len(src.Classes)
	if len(src.Predictions) > 0 {
		n = max(n, len(src.Predictions[0].Prediction))
	}
	return max(n, 2)
}

// ClassIndex decodes a model output or label row into a class index: a
// single column is thresholded at 0.5, wider rows take the argmax.
func ClassIndex(row []float64) int {
	switch len(row) {
	case 0:
		return 0
	case 1:
		if row[0] >= 0.5 {
			return 1
		}
		return 0
	default:
		return floats.MaxIdx(row)
	}
}

func className(classes []string, i int) string {
	if i >= 0 && i < len(classes) {
		return classes[i]
	}
	return fmt.Sprintf("class %d", i)
}

// ResidualsPlot draws prediction errors against predicted values for
// regression runs.
func ResidualsPlot(src Source) PlotData {
	plot := newPlot(ResidualPlot, "Residual Plot", src, PlotConfig{
		XAxisLabel: "Predicted Values",
		YAxisLabel: "Residuals",
		Width:      600,
		Height:     400,
	})
	if src.Problem == dataset.Classification {
		return plot
	}

	points := make([]DataPoint, 0, len(src.Predictions))
	residuals := make([]float64, 0, len(src.Predictions))
	for _, p := range src.Predictions {
		if len(p.Actual) == 0 || len(p.Prediction) == 0 {
			continue
		}
		r := p.Prediction[0] - p.Actual[0]
		points = append(points, DataPoint{X: p.Prediction[0], Y: r})
		residuals = append(residuals, r)
	}
	if len(points) == 0 {
		return plot
	}
	plot.Series = append(plot.Series, SeriesData{Name: "Residuals", Type: "scatter", Data: points, Style: map[string]interface{}{"color": "#5F27CD", "alpha": 0.6}})
	plot.Metrics = map[string]interface{}{
		"mean_residual": floats.Sum(residuals) / float64(len(residuals)),
		"rmse":          floats.Norm(residuals, 2) / math.Sqrt(float64(len(residuals))),
	}
	return plot
}

// WeightMagnitudesPlot shows the L2 norm of every layer's kernel and bias.
func WeightMagnitudesPlot(src Source) PlotData {
	plot := newPlot(WeightMagnitudes, "Weight Magnitudes", src, PlotConfig{
		XAxisLabel: "Layer",
		YAxisLabel: "L2 Norm",
		ShowLegend: true,
		Width:      800,
		Height:     400,
	})

	kernels := SeriesData{Name: "Weights", Type: "bar", Style: map[string]interface{}{"color": "#2E86DE"}}
	biases := SeriesData{Name: "Biases", Type: "bar", Style: map[string]interface{}{"color": "#FF9F43"}}
	for _, l := range src.Weights {
		if len(l.Weights) > 0 {
			kernels.Data = append(kernels.Data, DataPoint{X: l.LayerName, Y: floats.Norm(l.Weights, 2), Label: l.LayerID})
		}
		if len(l.Biases) > 0 {
			biases.Data = append(biases.Data, DataPoint{X: l.LayerName, Y: floats.Norm(l.Biases, 2), Label: l.LayerID})
		}
	}
	for _, s := range []SeriesData{kernels, biases} {
		if len(s.Data) > 0 {
			plot.Series = append(plot.Series, s)
		}
	}
	return plot
}

// ActivationPatternPlot renders one heatmap row per layer and reports
// each layer's mean activation and sparsity.
func ActivationPatternPlot(src Source) PlotData {
	plot := newPlot(ActivationPattern, "Activation Pattern", src, PlotConfig{
		XAxisLabel: "Unit",
		YAxisLabel: "Layer",
		ZAxisLabel: "Activation",
		Width:      800,
		Height:     600,
	})
	if len(src.Activations) == 0 {
		return plot
	}

	heat := SeriesData{Name: "Activations", Type: "heatmap", Style: map[string]interface{}{"colormap": "viridis"}}
	stats := make(map[string]interface{}, len(src.Activations))
	for _, l := range src.Activations {
		for i, v := range l.Activations {
			heat.Data = append(heat.Data, DataPoint{X: i, Y: l.LayerName, Z: v})
		}
		if n := len(l.Activations); n > 0 {
			zeros := 0
			for _, v := range l.Activations {
				if v == 0 {
					zeros++
				}
			}
			stats[l.LayerName] = map[string]interface{}{
				"mean":     floats.Sum(l.Activations) / float64(n),
				"sparsity": float64(zeros) / float64(n),
			}
		}
	}
	plot.Series = append(plot.Series, heat)
	plot.Metrics = stats
	return plot
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.Marshal(pd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(data), nil
}
