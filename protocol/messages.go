package protocol

import (
	"fmt"
	"math"

	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/optimizer"
)

// CommandType identifies a coordinator-to-worker command
type CommandType string

const (
	CmdConfig CommandType = "config"
	CmdStart  CommandType = "start"
	CmdPause  CommandType = "pause"
	CmdResume CommandType = "resume"
	CmdStop   CommandType = "stop"
	CmdStep   CommandType = "step"
	CmdSpeed  CommandType = "speed"
)

// ResponseType identifies a worker-to-coordinator message
type ResponseType string

const (
	MsgProgress    ResponseType = "progress"
	MsgMetrics     ResponseType = "metrics"
	MsgPredictions ResponseType = "predictions"
	MsgActivations ResponseType = "activations"
	MsgWeights     ResponseType = "weights"
	MsgPaused      ResponseType = "paused"
	MsgComplete    ResponseType = "complete"
	MsgError       ResponseType = "error"
)

// StepKind is the granularity of a manual step
type StepKind string

const (
	StepBatch StepKind = "batch"
	StepEpoch StepKind = "epoch"
)

// PauseReason explains a paused message
type PauseReason string

const (
	PauseManualMode PauseReason = "manual_mode"
	PauseUser       PauseReason = "user"
	PauseStep       PauseReason = "step"
)

// ErrorKind classifies a worker failure
type ErrorKind string

const (
	ErrorShapeMismatch ErrorKind = "shape_mismatch"
	ErrorGeneral       ErrorKind = "general"
)

// Speed paces the loop: 0 is manual, (0,1) throttled, 1 real time and
// anything above runs back-to-back.
type Speed float64

const (
	SpeedManual   Speed = 0
	SpeedRealTime Speed = 1
)

// Manual reports whether the loop only advances on step commands
func (s Speed) Manual() bool { return s <= 0 }

// Delay returns the inter-epoch throttle in milliseconds.
func (s Speed) Delay() int {
	if s <= 0 || s >= 1 {
		return 0
	}
	return int(math.Round((1 - float64(s)) * 1000))
}

// TrainingConfig holds the hyperparameters of one run
type TrainingConfig struct {
	Epochs          int     `json:"epochs"`
	BatchSize       int     `json:"batchSize"`
	LearningRate    float64 `json:"learningRate"`
	Optimizer       string  `json:"optimizer"`
	ValidationSplit float64 `json:"validationSplit"`
}

// DefaultTrainingConfig returns the hyperparameters used when none are set
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:       50,
		BatchSize:    32,
		LearningRate: 0.01,
		Optimizer:    optimizer.Adam,
	}
}

// Validate checks the hyperparameter ranges
func (tc TrainingConfig) Validate() error {
	if tc.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", tc.Epochs)
	}
	if tc.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", tc.BatchSize)
	}
	if tc.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", tc.LearningRate)
	}
	if !optimizer.Supported(tc.Optimizer) {
		return fmt.Errorf("unsupported optimizer %q", tc.Optimizer)
	}
	if tc.ValidationSplit < 0 || tc.ValidationSplit >= 1 {
		return fmt.Errorf("validation split must be in [0, 1), got %g", tc.ValidationSplit)
	}
	return nil
}

// DataConfig carries the dataset copied into the worker
type DataConfig struct {
	Xs              [][]float64 `json:"xs"`
	Ys              [][]float64 `json:"ys"`
	ValidationSplit float64     `json:"validationSplit"`
}

// Snapshots selects the optional per-epoch layer extractions
type Snapshots struct {
	Activations bool `json:"activations"`
	Weights     bool `json:"weights"`
}

// RunConfig is the payload of config and start commands
type RunConfig struct {
	RunID          string             `json:"runId"`
	ModelConfig    layers.ModelConfig `json:"modelConfig"`
	DataConfig     DataConfig         `json:"dataConfig"`
	TrainingConfig TrainingConfig     `json:"trainingConfig"`
	Speed          Speed              `json:"speed"`
	Snapshots      Snapshots          `json:"snapshots"`
	Seed           int64              `json:"seed,omitempty"`
}

// Clone returns a deep copy
func (rc *RunConfig) Clone() *RunConfig {
	if rc == nil {
		return nil
	}
	c := *rc
	c.ModelConfig = rc.ModelConfig.Clone()
	c.DataConfig.Xs = cloneRows(rc.DataConfig.Xs)
	c.DataConfig.Ys = cloneRows(rc.DataConfig.Ys)
	return &c
}

// Split returns the validation fraction, preferring the data config
func (rc *RunConfig) Split() float64 {
	if rc.DataConfig.ValidationSplit > 0 {
		return rc.DataConfig.ValidationSplit
	}
	return rc.TrainingConfig.ValidationSplit
}

// StepPayload is the payload of a step command
type StepPayload struct {
	Type StepKind `json:"type"`
}

// SpeedPayload is the payload of a speed command
type SpeedPayload struct {
	Value Speed `json:"value"`
}

// Command is a message posted to a worker. At most one payload is set and
// it must match Type.
type Command struct {
	Type   CommandType   `json:"type"`
	Config *RunConfig    `json:"config,omitempty"`
	Step   *StepPayload  `json:"step,omitempty"`
	Speed  *SpeedPayload `json:"speed,omitempty"`
}

// Clone returns a deep copy
func (c Command) Clone() Command {
	out := Command{Type: c.Type, Config: c.Config.Clone()}
	if c.Step != nil {
		s := *c.Step
		out.Step = &s
	}
	if c.Speed != nil {
		s := *c.Speed
		out.Speed = &s
	}
	return out
}

// MetricPoint is the per-epoch summary. Optional values are nil when the
// model has no accuracy metric or no validation slice.
type MetricPoint struct {
	Epoch       int      `json:"epoch"`
	Loss        float64  `json:"loss"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	ValLoss     *float64 `json:"valLoss,omitempty"`
	ValAccuracy *float64 `json:"valAccuracy,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// Clone returns a deep copy
func (m MetricPoint) Clone() MetricPoint {
	m.Accuracy = cloneFloat(m.Accuracy)
	m.ValLoss = cloneFloat(m.ValLoss)
	m.ValAccuracy = cloneFloat(m.ValAccuracy)
	return m
}

// BatchMetrics are the per-batch values carried by progress
type BatchMetrics struct {
	Loss     float64  `json:"loss"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// Progress is emitted after every trained batch
type Progress struct {
	Epoch   int          `json:"epoch"`
	Batch   int          `json:"batch"`
	Batches int          `json:"batches"`
	Metrics BatchMetrics `json:"metrics"`
}

// PredictionSample is one model output aligned with the dataset row Index
type PredictionSample struct {
	Index      int       `json:"index"`
	Prediction []float64 `json:"prediction"`
	Input      []float64 `json:"input"`
	Actual     []float64 `json:"actual"`
}

// Predictions is the full replacement set for one epoch
type Predictions struct {
	Epoch   int                `json:"epoch"`
	Samples []PredictionSample `json:"samples"`
}

// LayerSnapshot is the most recent known state of one layer
type LayerSnapshot struct {
	LayerID     string    `json:"layerId"`
	LayerName   string    `json:"layerName"`
	Activations []float64 `json:"activations"`
	Gradients   []float64 `json:"gradients,omitempty"`
	Weights     []float64 `json:"weights,omitempty"`
	Biases      []float64 `json:"biases,omitempty"`
}

// Clone returns a deep copy
func (l LayerSnapshot) Clone() LayerSnapshot {
	l.Activations = cloneFloats(l.Activations)
	l.Gradients = cloneFloats(l.Gradients)
	l.Weights = cloneFloats(l.Weights)
	l.Biases = cloneFloats(l.Biases)
	return l
}

// LayerSnapshots carries activations or weights for every layer
type LayerSnapshots struct {
	Epoch  int             `json:"epoch"`
	Layers []LayerSnapshot `json:"layers"`
}

// Paused acknowledges a halt
type Paused struct {
	Epoch  int         `json:"epoch"`
	Batch  int         `json:"batch"`
	Reason PauseReason `json:"reason"`
}

// Complete is emitted once all epochs are trained
type Complete struct {
	FinalEpoch int `json:"finalEpoch"`
}

// ErrorPayload describes a run failure
type ErrorPayload struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// Message is a worker response tagged with the run it belongs to
type Message struct {
	Type        ResponseType    `json:"type"`
	RunID       string          `json:"runId,omitempty"`
	Progress    *Progress       `json:"progress,omitempty"`
	Metrics     *MetricPoint    `json:"metrics,omitempty"`
	Predictions *Predictions    `json:"predictions,omitempty"`
	Activations *LayerSnapshots `json:"activations,omitempty"`
	Weights     *LayerSnapshots `json:"weights,omitempty"`
	Paused      *Paused         `json:"paused,omitempty"`
	Complete    *Complete       `json:"complete,omitempty"`
	Error       *ErrorPayload   `json:"error,omitempty"`
}

// Clone returns a deep copy
func (m Message) Clone() Message {
	out := Message{Type: m.Type, RunID: m.RunID}
	if m.Progress != nil {
		p := *m.Progress
		p.Metrics.Accuracy = cloneFloat(p.Metrics.Accuracy)
		out.Progress = &p
	}
	if m.Metrics != nil {
		mp := m.Metrics.Clone()
		out.Metrics = &mp
	}
	if m.Predictions != nil {
		out.Predictions = &Predictions{Epoch: m.Predictions.Epoch, Samples: ClonePredictions(m.Predictions.Samples)}
	}
	out.Activations = cloneSnapshots(m.Activations)
	out.Weights = cloneSnapshots(m.Weights)
	if m.Paused != nil {
		p := *m.Paused
		out.Paused = &p
	}
	if m.Complete != nil {
		c := *m.Complete
		out.Complete = &c
	}
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	return out
}

// ClonePredictions deep-copies a prediction set
func ClonePredictions(ps []PredictionSample) []PredictionSample {
	if ps == nil {
		return nil
	}
	out := make([]PredictionSample, len(ps))
	for i, p := range ps {
		out[i] = PredictionSample{
			Index:      p.Index,
			Prediction: cloneFloats(p.Prediction),
			Input:      cloneFloats(p.Input),
			Actual:     cloneFloats(p.Actual),
		}
	}
	return out
}

// CloneLayerSnapshots deep-copies a snapshot list
func CloneLayerSnapshots(ls []LayerSnapshot) []LayerSnapshot {
	if ls == nil {
		return nil
	}
	out := make([]LayerSnapshot, len(ls))
	for i, l := range ls {
		out[i] = l.Clone()
	}
	return out
}

func cloneSnapshots(s *LayerSnapshots) *LayerSnapshots {
	if s == nil {
		return nil
	}
	return &LayerSnapshots{Epoch: s.Epoch, Layers: CloneLayerSnapshots(s.Layers)}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

func cloneRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = cloneFloats(r)
	}
	return out
}
