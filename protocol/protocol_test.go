package protocol

import (
	"reflect"
	"testing"

	"github.com/tsawler/trainviz/layers"
)

func TestTrainingConfigValidate(t *testing.T) {
	base := DefaultTrainingConfig()
	if err := base.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*TrainingConfig)
	}{
		{"epochs", func(c *TrainingConfig) { c.Epochs = 0 }},
		{"batch", func(c *TrainingConfig) { c.BatchSize = -1 }},
		{"lr", func(c *TrainingConfig) { c.LearningRate = 0 }},
		{"optimizer", func(c *TrainingConfig) { c.Optimizer = "nadam" }},
		{"split-high", func(c *TrainingConfig) { c.ValidationSplit = 1 }},
		{"split-negative", func(c *TrainingConfig) { c.ValidationSplit = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

func TestSpeedDelay(t *testing.T) {
	tests := []struct {
		speed  Speed
		delay  int
		manual bool
	}{
		{0, 0, true},
		{0.25, 750, false},
		{0.5, 500, false},
		{1, 0, false},
		{4, 0, false},
	}
	for _, tt := range tests {
		if got := tt.speed.Delay(); got != tt.delay {
			t.Errorf("speed %g: delay %d, want %d", tt.speed, got, tt.delay)
		}
		if tt.speed.Manual() != tt.manual {
			t.Errorf("speed %g: manual %v, want %v", tt.speed, tt.speed.Manual(), tt.manual)
		}
	}
}

func TestCommandCloneIsDeep(t *testing.T) {
	cfg := &RunConfig{
		ModelConfig: layers.NewModelBuilder().AddDense(2, "relu", "h").Config(),
		DataConfig:  DataConfig{Xs: [][]float64{{1, 2}}, Ys: [][]float64{{3}}},
	}
	cmd := Command{Type: CmdConfig, Config: cfg}
	clone := cmd.Clone()
	clone.Config.DataConfig.Xs[0][0] = 42
	clone.Config.ModelConfig.Layers[0].Units = 9

	if cfg.DataConfig.Xs[0][0] != 1 || cfg.ModelConfig.Layers[0].Units != 2 {
		t.Errorf("Clone shares memory with the original command")
	}
}

func sampleMessages() []Message {
	acc := 0.75
	val := 0.4
	return []Message{
		{Type: MsgProgress, RunID: "r1", Progress: &Progress{Epoch: 1, Batch: 2, Batches: 4, Metrics: BatchMetrics{Loss: 0.5, Accuracy: &acc}}},
		{Type: MsgMetrics, RunID: "r1", Metrics: &MetricPoint{Epoch: 3, Loss: 0.25, ValLoss: &val, Timestamp: 1700000000123}},
		{Type: MsgPredictions, RunID: "r1", Predictions: &Predictions{Epoch: 0, Samples: []PredictionSample{
			{Index: 0, Prediction: []float64{0.1}, Input: []float64{1, 2}, Actual: []float64{0}},
			{Index: 1, Prediction: []float64{0.9}, Input: []float64{3, 4}, Actual: []float64{1}},
		}}},
		{Type: MsgActivations, RunID: "r1", Activations: &LayerSnapshots{Epoch: 2, Layers: []LayerSnapshot{
			{LayerID: "a", LayerName: "hidden", Activations: []float64{0, 0.5}},
		}}},
		{Type: MsgPaused, RunID: "r1", Paused: &Paused{Epoch: 2, Batch: 1, Reason: PauseStep}},
		{Type: MsgComplete, RunID: "r1", Complete: &Complete{FinalEpoch: 4}},
		{Type: MsgError, RunID: "r1", Error: &ErrorPayload{Message: "boom", Kind: ErrorShapeMismatch}},
	}
}

func TestCodecsPreserveMessages(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			for _, msg := range sampleMessages() {
				data, err := codec.EncodeMessage(msg)
				if err != nil {
					t.Fatalf("%s: encode failed: %v", msg.Type, err)
				}
				got, err := codec.DecodeMessage(data)
				if err != nil {
					t.Fatalf("%s: decode failed: %v", msg.Type, err)
				}
				if !reflect.DeepEqual(got, msg) {
					t.Errorf("%s: got %+v, want %+v", msg.Type, got, msg)
				}
			}
		})
	}
}

func TestCodecsPreserveCommands(t *testing.T) {
	cfg := &RunConfig{
		RunID:          "run",
		ModelConfig:    layers.ModelConfig{Layers: []layers.LayerSpec{{ID: "x", Type: layers.Dense, Units: 4, Activation: "relu", InputShape: []int{2}}}, Loss: "mse"},
		DataConfig:     DataConfig{Xs: [][]float64{{1, 2}, {3, 4}}, Ys: [][]float64{{1}, {0}}, ValidationSplit: 0.5},
		TrainingConfig: DefaultTrainingConfig(),
		Speed:          0.5,
		Snapshots:      Snapshots{Weights: true},
	}
	cmds := []Command{
		{Type: CmdConfig, Config: cfg},
		{Type: CmdStart},
		{Type: CmdPause},
		{Type: CmdStep, Step: &StepPayload{Type: StepEpoch}},
		{Type: CmdSpeed, Speed: &SpeedPayload{Value: 2}},
	}

	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		for _, cmd := range cmds {
			data, err := codec.EncodeCommand(cmd)
			if err != nil {
				t.Fatalf("%s/%s: encode failed: %v", codec.Name(), cmd.Type, err)
			}
			got, err := codec.DecodeCommand(data)
			if err != nil {
				t.Fatalf("%s/%s: decode failed: %v", codec.Name(), cmd.Type, err)
			}
			if !reflect.DeepEqual(got, cmd) {
				t.Errorf("%s/%s: got %+v, want %+v", codec.Name(), cmd.Type, got, cmd)
			}
		}
	}
}

func TestCodecRejectsUnknownTypes(t *testing.T) {
	codec := JSONCodec{}
	if _, err := codec.DecodeMessage([]byte(`{"type":"telemetry"}`)); err == nil {
		t.Errorf("Expected error for unknown message type")
	}
	if _, err := codec.DecodeCommand([]byte(`{"type":"step"}`)); err == nil {
		t.Errorf("Expected error for step without payload")
	}
	if _, err := (ProtoCodec{}).DecodeMessage([]byte{0xff, 0x01}); err == nil {
		t.Errorf("Expected error for malformed protobuf")
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Errorf("Expected error for unknown codec")
	}
}
