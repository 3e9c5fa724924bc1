package viz

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tsawler/trainviz/dataset"
	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/protocol"
	"github.com/tsawler/trainviz/store"
)

func fptr(v float64) *float64 { return &v }

func TestTrainingCurvesPlot(t *testing.T) {
	src := Source{ModelName: "mlp", Metrics: []protocol.MetricPoint{
		{Epoch: 0, Loss: 0.9},
		{Epoch: 1, Loss: 0.5, ValLoss: fptr(0.6)},
		{Epoch: 2, Loss: 0.3, ValLoss: fptr(0.4)},
	}}
	plot := TrainingCurvesPlot(src)

	if plot.PlotType != TrainingCurves || plot.ModelName != "mlp" {
		t.Fatalf("Unexpected plot header: %+v", plot)
	}
	if len(plot.Series) != 2 {
		t.Fatalf("Expected loss and validation loss series, got %d", len(plot.Series))
	}
	if len(plot.Series[0].Data) != 3 || len(plot.Series[1].Data) != 2 {
		t.Errorf("Unexpected series lengths: %d, %d", len(plot.Series[0].Data), len(plot.Series[1].Data))
	}
	if plot.Metrics["final_loss"] != 0.3 {
		t.Errorf("Expected final loss 0.3, got %v", plot.Metrics["final_loss"])
	}
}

func TestRegressionScatterPlot(t *testing.T) {
	src := Source{Problem: dataset.Regression, Predictions: []protocol.PredictionSample{
		{Index: 0, Actual: []float64{-1}, Prediction: []float64{-0.8}},
		{Index: 1, Actual: []float64{2}, Prediction: []float64{1.5}},
		{Index: 2, Actual: []float64{0.5}, Prediction: []float64{0.4}},
	}}
	plot := PredictionScatterPlot(src)
	if len(plot.Series) != 2 {
		t.Fatalf("Expected scatter and reference line, got %d series", len(plot.Series))
	}
	line := plot.Series[1].Data
	if line[0].X != -1.0 || line[1].X != 2.0 {
		t.Errorf("Reference line should span the actual range, got %+v", line)
	}

	res := ResidualsPlot(src)
	if len(res.Series) != 1 || len(res.Series[0].Data) != 3 {
		t.Fatalf("Expected 3 residual points, got %+v", res.Series)
	}
	if got := res.Series[0].Data[1].Y.(float64); math.Abs(got+0.5) > 1e-12 {
		t.Errorf("Expected residual -0.5, got %g", got)
	}
}

func TestClassScatterPlot(t *testing.T) {
	src := Source{
		Problem: dataset.Classification,
		Classes: []string{"off", "on"},
		Predictions: []protocol.PredictionSample{
			{Index: 0, Input: []float64{0, 0}, Prediction: []float64{0.1}, Actual: []float64{0}},
			{Index: 1, Input: []float64{0, 1}, Prediction: []float64{0.9}, Actual: []float64{1}},
			{Index: 2, Input: []float64{1, 1}, Prediction: []float64{0.7}, Actual: []float64{0}},
		},
	}
	plot := PredictionScatterPlot(src)
	if len(plot.Series) != 2 {
		t.Fatalf("Expected one series per predicted class, got %d", len(plot.Series))
	}
	if plot.Series[0].Name != "off" || plot.Series[1].Name != "on" || len(plot.Series[1].Data) != 2 {
		t.Errorf("Unexpected class series: %+v", plot.Series)
	}
	if acc := plot.Metrics["accuracy"].(float64); math.Abs(acc-2.0/3.0) > 1e-12 {
		t.Errorf("Expected accuracy 2/3, got %g", acc)
	}
	if res := ResidualsPlot(src); len(res.Series) != 0 {
		t.Errorf("Residual plot should be empty for classification")
	}
}

func TestClassIndex(t *testing.T) {
	tests := []struct {
		row  []float64
		want int
	}{
		{nil, 0},
		{[]float64{0.49}, 0},
		{[]float64{0.5}, 1},
		{[]float64{0.1, 0.7, 0.2}, 1},
		{[]float64{0, 0, 1}, 2},
	}
	for _, tt := range tests {
		if got := ClassIndex(tt.row); got != tt.want {
			t.Errorf("ClassIndex(%v) = %d, want %d", tt.row, got, tt.want)
		}
	}
}

func TestWeightMagnitudesPlot(t *testing.T) {
	src := Source{Weights: []protocol.LayerSnapshot{
		{LayerID: "a", LayerName: "hidden", Weights: []float64{3, 4}, Biases: []float64{0, 0}},
		{LayerID: "b", LayerName: "flat"},
	}}
	plot := WeightMagnitudesPlot(src)
	if len(plot.Series) != 2 {
		t.Fatalf("Expected weight and bias series, got %d", len(plot.Series))
	}
	if got := plot.Series[0].Data[0].Y.(float64); got != 5 {
		t.Errorf("Expected norm 5, got %g", got)
	}
	if len(plot.Series[0].Data) != 1 {
		t.Errorf("Layers without weights should be skipped")
	}
}

func TestActivationPatternPlot(t *testing.T) {
	src := Source{Activations: []protocol.LayerSnapshot{
		{LayerName: "hidden", Activations: []float64{0, 1, 0, 3}},
		{LayerName: "output", Activations: []float64{0.5}},
	}}
	plot := ActivationPatternPlot(src)
	if len(plot.Series) != 1 || len(plot.Series[0].Data) != 5 {
		t.Fatalf("Expected 5 heatmap cells, got %+v", plot.Series)
	}
	hidden := plot.Metrics["hidden"].(map[string]interface{})
	if hidden["sparsity"] != 0.5 || hidden["mean"] != 1.0 {
		t.Errorf("Unexpected hidden stats: %+v", hidden)
	}
}

func TestBuildAndParse(t *testing.T) {
	for _, pt := range PlotTypes() {
		parsed, err := ParsePlotType(string(pt))
		if err != nil || parsed != pt {
			t.Errorf("ParsePlotType(%s) = %s, %v", pt, parsed, err)
		}
		plot, err := Build(pt, Source{})
		if err != nil {
			t.Errorf("Build(%s) failed: %v", pt, err)
		}
		if plot.Series == nil {
			t.Errorf("Build(%s) should return a non-nil series list", pt)
		}
		if _, err := plot.ToJSON(); err != nil {
			t.Errorf("ToJSON(%s) failed: %v", pt, err)
		}
	}
	if _, err := ParsePlotType("roc_curve"); err == nil {
		t.Errorf("Expected error for unsupported plot type")
	}
}

func TestProgressBarLine(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/5", 4)
	pb.Update(2, map[string]float64{"loss": 0.25, "accuracy": 0.5})

	line := pb.Line()
	for _, want := range []string{"Epoch 1/5", " 50%", "2/4", "loss=0.250", "accuracy=50.00%"} {
		if !strings.Contains(line, want) {
			t.Errorf("Progress line %q missing %q", line, want)
		}
	}
	if !strings.HasPrefix(buf.String(), "\r") {
		t.Errorf("Render should start with a carriage return")
	}
	pb.Finish()
	if !strings.HasSuffix(buf.String(), "\n") || !strings.Contains(pb.Line(), "4/4") {
		t.Errorf("Finish should complete the bar and end the line")
	}
}

func TestPrintArchitecture(t *testing.T) {
	cfg := layers.NewModelBuilder().
		AddDense(16, "relu", "hidden").
		AddDense(1, "", "output").
		Config()
	spec, err := layers.Compile(cfg, 3)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	var buf bytes.Buffer
	NewModelArchitecturePrinter("MLP").PrintArchitecture(&buf, spec)
	out := buf.String()

	for _, want := range []string{
		"MLP(",
		"(hidden): Linear(in_features=3, out_features=16, activation=relu)",
		"(output): Linear(in_features=16, out_features=1, activation=linear)",
		"Total parameters: 81",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Architecture output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := map[int64]string{12: "12", 1500: "1.5K", 2500000: "2.5M"}
	for in, want := range tests {
		if got := formatParameterCount(in); got != want {
			t.Errorf("formatParameterCount(%d) = %s, want %s", in, got, want)
		}
	}
}

func TestTrainingSessionHandle(t *testing.T) {
	var buf bytes.Buffer
	ts := NewTrainingSession(&buf, "mlp")
	status := store.Status{State: store.StateTraining, TotalEpochs: 2, BatchesPerEpoch: 2}

	status.BatchInEpoch = 1
	status.LastBatch = &protocol.BatchMetrics{Loss: 0.5}
	if ts.Handle(store.Event{Kind: store.EventProgress, Status: status}) {
		t.Fatalf("Progress should not end the session")
	}
	status.CurrentEpoch = 1
	ts.Handle(store.Event{Kind: store.EventMetrics, Status: status, Metric: &protocol.MetricPoint{Epoch: 0, Loss: 0.4, Accuracy: fptr(0.75)}})

	status.State = store.StatePaused
	status.PauseReason = protocol.PauseUser
	ts.Handle(store.Event{Kind: store.EventState, Status: status})
	status.State = store.StateCompleted
	if !ts.Handle(store.Event{Kind: store.EventState, Status: status}) {
		t.Errorf("Completed should end the session")
	}

	out := buf.String()
	for _, want := range []string{"Epoch 1/2", "Loss: 0.4000", "Accuracy: 75.00%", "Paused at epoch 1", "Training complete"} {
		if !strings.Contains(out, want) {
			t.Errorf("Session output missing %q:\n%s", want, out)
		}
	}

	if !NewTrainingSession(&buf, "mlp").Handle(store.Event{Kind: store.EventState, Status: store.Status{State: store.StateError, LastError: &store.LastError{Message: "boom", Kind: store.ErrorGeneral}}}) {
		t.Errorf("Error should end the session")
	}
}

func TestSourceFromSnapshot(t *testing.T) {
	snap := store.Snapshot{
		Dataset: &store.DatasetInfo{Problem: dataset.Classification, Classes: []string{"a", "b"}},
		Metrics: []protocol.MetricPoint{{Epoch: 0, Loss: 1}},
	}
	src := SourceFromSnapshot("m", snap)
	if src.Problem != dataset.Classification || len(src.Classes) != 2 || len(src.Metrics) != 1 {
		t.Errorf("Unexpected source: %+v", src)
	}
}

func TestPlottingService(t *testing.T) {
	var mu sync.Mutex
	var received []PlotData
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/plot":
			var pd PlotData
			if err := json.NewDecoder(r.Body).Decode(&pd); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(PlottingResponse{Message: err.Error()})
				return
			}
			mu.Lock()
			received = append(received, pd)
			mu.Unlock()
			json.NewEncoder(w).Encode(PlottingResponse{Success: true, PlotID: string(pd.PlotType)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL + "/", Timeout: 5 * time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond})
	if err := ps.CheckHealth(); err != nil {
		t.Fatalf("Health check failed: %v", err)
	}

	results := ps.SendAll(Source{Metrics: []protocol.MetricPoint{{Epoch: 0, Loss: 1}}})
	if r := results[TrainingCurves]; r == nil || !r.Success || r.PlotID != string(TrainingCurves) {
		t.Errorf("Expected training curves to be sent, got %+v", r)
	}
	if r := results[WeightMagnitudes]; r == nil || r.Success {
		t.Errorf("Empty plots should not be sent, got %+v", r)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].PlotType != TrainingCurves {
		t.Errorf("Expected exactly one plot at the sidecar, got %d", len(received))
	}
}

func TestPlottingServiceReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(PlottingResponse{Message: "down"})
	}))
	defer srv.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond})
	if _, err := ps.SendPlotDataWithRetry(TrainingCurvesPlot(Source{})); err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("Expected retry failure, got %v", err)
	}
	if err := ps.CheckHealth(); err == nil {
		t.Errorf("Expected health check failure")
	}
}

func TestConfusionMatrix(t *testing.T) {
	ps := []protocol.PredictionSample{
		{Prediction: []float64{0.1}, Actual: []float64{0}},
		{Prediction: []float64{0.9}, Actual: []float64{1}},
		{Prediction: []float64{0.7}, Actual: []float64{0}},
		{Prediction: nil, Actual: []float64{1}},
	}
	cm := ConfusionFromPredictions(ps, 2)
	if cm.TotalSamples != 3 || cm.Matrix[0][1] != 1 || cm.Matrix[1][1] != 1 {
		t.Fatalf("Unexpected matrix %v (%d samples)", cm.Matrix, cm.TotalSamples)
	}
	checks := map[string][2]float64{
		"accuracy":    {cm.Accuracy(), 2.0 / 3.0},
		"precision_0": {cm.Precision(0), 1},
		"precision_1": {cm.Precision(1), 0.5},
		"recall_0":    {cm.Recall(0), 0.5},
		"recall_1":    {cm.Recall(1), 1},
		"macro_f1":    {cm.MacroF1(), 2.0 / 3.0},
	}
	for name, c := range checks {
		if math.Abs(c[0]-c[1]) > 1e-12 {
			t.Errorf("%s = %g, want %g", name, c[0], c[1])
		}
	}

	cm.Add(5, 0)
	if cm.TotalSamples != 3 {
		t.Error("Out-of-range classes should be skipped")
	}
}

func TestRegressionMetrics(t *testing.T) {
	ps := []protocol.PredictionSample{
		{Prediction: []float64{1}, Actual: []float64{1}},
		{Prediction: []float64{2}, Actual: []float64{2}},
		{Prediction: []float64{4}, Actual: []float64{3}},
	}
	m := CalculateRegressionMetrics(ps)
	want := RegressionMetrics{MAE: 1.0 / 3, MSE: 1.0 / 3, RMSE: math.Sqrt(1.0 / 3), R2: 0.5, NMAE: 1.0 / 6}
	for name, pair := range map[string][2]float64{
		"mae": {m.MAE, want.MAE}, "mse": {m.MSE, want.MSE}, "rmse": {m.RMSE, want.RMSE},
		"r2": {m.R2, want.R2}, "nmae": {m.NMAE, want.NMAE},
	} {
		if math.Abs(pair[0]-pair[1]) > 1e-12 {
			t.Errorf("%s = %g, want %g", name, pair[0], pair[1])
		}
	}
	if (CalculateRegressionMetrics(nil) != RegressionMetrics{}) {
		t.Error("Expected zero metrics without predictions")
	}

	plot := PredictionScatterPlot(Source{Problem: dataset.Regression, Predictions: ps})
	if r2 := plot.Metrics["r2"].(float64); math.Abs(r2-0.5) > 1e-12 {
		t.Errorf("Expected plot r2 0.5, got %g", r2)
	}
}
