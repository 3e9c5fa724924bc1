package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/trainviz/memory"
	"github.com/tsawler/trainviz/optimizer"
)

// ErrDisposed is returned by every operation on a model after Dispose.
var ErrDisposed = errors.New("model already disposed")

// ErrNotCompiled is returned by training and evaluation before Compile.
var ErrNotCompiled = errors.New("model not compiled")

// CompileConfig selects the optimizer, loss and metrics of a model.
type CompileConfig struct {
	Optimizer    string
	LearningRate float64
	Loss         string
	Metrics      []string
}

// BatchLogs are passed to OnBatchEnd after every trained batch.
type BatchLogs struct {
	Epoch    int
	Batch    int
	Size     int
	Loss     float64
	Accuracy *float64
}

// EpochLogs summarize one completed epoch of a Fit call.
type EpochLogs struct {
	Epoch       int
	Loss        float64
	Accuracy    *float64
	ValLoss     *float64
	ValAccuracy *float64
}

// Callbacks are invoked synchronously from Fit. Returning an error aborts
// the fit; the error is returned from Fit wrapped with its position.
type Callbacks struct {
	OnBatchEnd func(logs BatchLogs) error
	OnEpochEnd func(logs EpochLogs) error
}

// ValidationData holds the held-out pair evaluated after each epoch.
type ValidationData struct {
	X, Y *memory.Tensor
}

// FitConfig controls a Fit call. InitialEpoch and InitialBatch resume a
// partially trained epoch; MaxBatches > 0 stops after that many batches.
type FitConfig struct {
	Epochs         int
	BatchSize      int
	InitialEpoch   int
	InitialBatch   int
	MaxBatches     int
	ValidationData *ValidationData
	Callbacks      Callbacks
}

// History records the epoch summaries of one Fit call.
type History struct {
	Epochs []EpochLogs
}

// EvalResult is the outcome of Evaluate.
type EvalResult struct {
	Loss     float64
	Accuracy *float64
}

// Sequential is a linear stack of layers trained with mini-batch gradient
// descent. A Sequential is owned by one goroutine; only inference fans out
// internally.
type Sequential struct {
	name      string
	layers    []Layer
	manager   *memory.Manager
	init      Initializer
	logger    *log.Logger
	workers   int
	loss      string
	metrics   []string
	optimizer optimizer.Optimizer
	compiled  bool
	disposed  bool
}

// Option configures a Sequential
type Option func(*Sequential)

// WithManager sets the memory manager that owns tensors returned by the model.
func WithManager(m *memory.Manager) Option {
	return func(s *Sequential) { s.manager = m }
}

// WithSeed makes weight initialization deterministic.
func WithSeed(seed int64) Option {
	return func(s *Sequential) { s.init = NewGlorotUniform(seed) }
}

// WithLogger sets the model logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Sequential) { s.logger = l }
}

// WithName labels the model in summaries.
func WithName(name string) Option {
	return func(s *Sequential) { s.name = name }
}

// WithParallelism overrides the number of inference goroutines.
func WithParallelism(n int) Option {
	return func(s *Sequential) {
		if n > 0 {
			s.workers = n
		}
	}
}

// NewSequential creates an empty model
func NewSequential(opts ...Option) *Sequential {
	s := &Sequential{name: "sequential", workers: Parallelism()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.manager == nil {
		s.manager = memory.NewManager(s.name, s.logger)
	}
	if s.init == nil {
		s.init = NewGlorotUniform(42)
	}
	return s
}

// Add appends and builds a layer. The first layer must declare the input
// feature shape; later layers take the previous layer's output shape and
// must not declare one.
func (s *Sequential) Add(layer Layer, inputShape ...int) error {
	if s.disposed {
		return ErrDisposed
	}
	var in []int
	if len(s.layers) == 0 {
		if len(inputShape) == 0 {
			return fmt.Errorf("first layer %q requires an input shape", layer.Name())
		}
		in = inputShape
	} else {
		if len(inputShape) > 0 {
			return fmt.Errorf("layer %q: input shape is only allowed on the first layer", layer.Name())
		}
		in = s.layers[len(s.layers)-1].OutputShape()
	}
	if _, err := layer.Build(in, s.init); err != nil {
		return errors.Wrapf(err, "build layer %d", len(s.layers))
	}
	s.layers = append(s.layers, layer)
	s.compiled = false
	return nil
}

// Compile binds an optimizer, a loss and metrics.
func (s *Sequential) Compile(cfg CompileConfig) error {
	if s.disposed {
		return ErrDisposed
	}
	if len(s.layers) == 0 {
		return fmt.Errorf("cannot compile empty model")
	}
	loss, err := NormalizeLoss(cfg.Loss)
	if err != nil {
		return err
	}
	opt, err := optimizer.New(cfg.Optimizer, cfg.LearningRate)
	if err != nil {
		return err
	}
	s.loss = loss
	s.metrics = nil
	for _, m := range cfg.Metrics {
		m = strings.ToLower(strings.TrimSpace(m))
		switch m {
		case "accuracy", "acc":
			s.metrics = append(s.metrics, "accuracy")
		case "":
		default:
			return fmt.Errorf("unknown metric %q", m)
		}
	}
	if s.optimizer != nil {
		s.optimizer.Cleanup()
	}
	s.optimizer = opt
	s.compiled = true
	return nil
}

// Layers returns the model's layers in order
func (s *Sequential) Layers() []Layer {
	return append([]Layer(nil), s.layers...)
}

// InputShape returns the feature shape of the first layer
func (s *Sequential) InputShape() []int {
	if len(s.layers) == 0 {
		return nil
	}
	return s.layers[0].InputShape()
}

// OutputShape returns the feature shape of the last layer
func (s *Sequential) OutputShape() []int {
	if len(s.layers) == 0 {
		return nil
	}
	return s.layers[len(s.layers)-1].OutputShape()
}

// Loss returns the compiled loss name
func (s *Sequential) Loss() string { return s.loss }

// Optimizer returns the compiled optimizer
func (s *Sequential) Optimizer() optimizer.Optimizer { return s.optimizer }

// HasAccuracy reports whether accuracy is among the compiled metrics.
func (s *Sequential) HasAccuracy() bool {
	for _, m := range s.metrics {
		if m == "accuracy" {
			return true
		}
	}
	return false
}

// Manager returns the memory manager owning the model's output tensors.
func (s *Sequential) Manager() *memory.Manager { return s.manager }

func (s *Sequential) ready() error {
	if s.disposed {
		return ErrDisposed
	}
	if !s.compiled {
		return ErrNotCompiled
	}
	return nil
}

func (s *Sequential) checkPair(op string, xs, ys *mat.Dense) error {
	xr, xc := xs.Dims()
	if in := product(s.InputShape()); xc != in {
		return &ShapeError{Op: op + " input", Expected: []int{xr, in}, Actual: []int{xr, xc}}
	}
	yr, yc := ys.Dims()
	if out := product(s.OutputShape()); yr != xr || yc != out {
		return &ShapeError{Op: op + " target", Expected: []int{xr, out}, Actual: []int{yr, yc}}
	}
	return nil
}

// Fit trains the model on xs/ys in order (no shuffling). The history holds
// every epoch completed before Fit returned, including on error.
func (s *Sequential) Fit(ctx context.Context, x, y *memory.Tensor, cfg FitConfig) (*History, error) {
	history := &History{}
	if err := s.ready(); err != nil {
		return history, err
	}
	if cfg.BatchSize <= 0 {
		return history, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	xs, err := x.Dense()
	if err != nil {
		return history, errors.Wrap(err, "fit inputs")
	}
	ys, err := y.Dense()
	if err != nil {
		return history, errors.Wrap(err, "fit targets")
	}
	if err := s.checkPair("fit", xs, ys); err != nil {
		return history, err
	}

	n, _ := xs.Dims()
	batches := BatchesPerEpoch(n, cfg.BatchSize)
	trained := 0

	for epoch := cfg.InitialEpoch; epoch < cfg.Epochs; epoch++ {
		start := 0
		if epoch == cfg.InitialEpoch {
			start = cfg.InitialBatch
		}
		lossSum, accSum, seen := 0.0, 0.0, 0

		for b := start; b < batches; b++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			from := b * cfg.BatchSize
			to := from + cfg.BatchSize
			if to > n {
				to = n
			}
			loss, acc, err := s.trainBatch(rowSlice(xs, from, to), rowSlice(ys, from, to))
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d batch %d", epoch, b)
			}
			size := to - from
			lossSum += loss * float64(size)
			seen += size
			logs := BatchLogs{Epoch: epoch, Batch: b, Size: size, Loss: loss}
			if acc != nil {
				accSum += *acc * float64(size)
				logs.Accuracy = acc
			}
			trained++

			if cb := cfg.Callbacks.OnBatchEnd; cb != nil {
				if err := cb(logs); err != nil {
					return history, errors.Wrapf(err, "epoch %d batch %d callback", epoch, b)
				}
			}
			if cfg.MaxBatches > 0 && trained >= cfg.MaxBatches && b < batches-1 {
				return history, nil
			}
		}

		logs := EpochLogs{Epoch: epoch}
		if seen > 0 {
			logs.Loss = lossSum / float64(seen)
			if s.HasAccuracy() {
				acc := accSum / float64(seen)
				logs.Accuracy = &acc
			}
		}
		if v := cfg.ValidationData; v != nil && v.X != nil && v.Y != nil {
			res, err := s.Evaluate(v.X, v.Y)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d validation", epoch)
			}
			logs.ValLoss = &res.Loss
			logs.ValAccuracy = res.Accuracy
		}
		history.Epochs = append(history.Epochs, logs)

		if cb := cfg.Callbacks.OnEpochEnd; cb != nil {
			if err := cb(logs); err != nil {
				return history, errors.Wrapf(err, "epoch %d callback", epoch)
			}
		}
		if cfg.MaxBatches > 0 && trained >= cfg.MaxBatches {
			return history, nil
		}
	}
	return history, nil
}

// BatchesPerEpoch returns ceil(samples / batchSize).
func BatchesPerEpoch(samples, batchSize int) int {
	if batchSize <= 0 || samples <= 0 {
		return 0
	}
	return (samples + batchSize - 1) / batchSize
}

// TrainOnBatch runs one optimization step on a single batch.
func (s *Sequential) TrainOnBatch(x, y *memory.Tensor) (float64, *float64, error) {
	if err := s.ready(); err != nil {
		return 0, nil, err
	}
	xs, err := x.Dense()
	if err != nil {
		return 0, nil, err
	}
	ys, err := y.Dense()
	if err != nil {
		return 0, nil, err
	}
	if err := s.checkPair("train", xs, ys); err != nil {
		return 0, nil, err
	}
	return s.trainBatch(xs, ys)
}

func (s *Sequential) trainBatch(xs, ys *mat.Dense) (float64, *float64, error) {
	loss, out, params, grads, err := s.backprop(xs, ys)
	if err != nil {
		return 0, nil, err
	}
	if err := s.optimizer.Step(params, grads); err != nil {
		return 0, nil, errors.Wrap(err, "optimizer step")
	}

	var acc *float64
	if s.HasAccuracy() {
		a := accuracy(out, ys)
		acc = &a
	}
	return loss, acc, nil
}

// backprop runs a training forward pass and fills every parameter gradient.
func (s *Sequential) backprop(xs, ys *mat.Dense) (loss float64, out *mat.Dense, params, grads [][]float64, err error) {
	out = xs
	for _, l := range s.layers {
		if out, err = l.Forward(out, true); err != nil {
			return 0, nil, nil, nil, err
		}
	}
	if loss, err = computeLoss(s.loss, out, ys); err != nil {
		return 0, nil, nil, nil, err
	}

	for _, l := range s.layers {
		for _, p := range l.Params() {
			p.zeroGrad()
			params = append(params, p.Value)
			grads = append(grads, p.Grad)
		}
	}

	last := s.layers[len(s.layers)-1]
	var grad *mat.Dense
	if gz, ok := fusedLogitGradient(s.loss, last.Activation(), out, ys); ok {
		if lb, ok := last.(logitBackward); ok {
			grad, err = lb.backwardFromLogits(gz)
		}
	}
	if grad == nil && err == nil {
		grad, err = last.Backward(lossGradient(s.loss, out, ys))
	}
	if err != nil {
		return 0, nil, nil, nil, err
	}
	for i := len(s.layers) - 2; i >= 0; i-- {
		if grad, err = s.layers[i].Backward(grad); err != nil {
			return 0, nil, nil, nil, err
		}
	}
	return loss, out, params, grads, nil
}

func (s *Sequential) forward(xs *mat.Dense) (*mat.Dense, error) {
	rows, cols := xs.Dims()
	if in := product(s.InputShape()); cols != in {
		return nil, &ShapeError{Op: "predict input", Expected: []int{rows, in}, Actual: []int{rows, cols}}
	}
	out := mat.NewDense(rows, product(s.OutputShape()), nil)
	err := forEachChunk(rows, s.workers, func(from, to int) error {
		chunk := rowSlice(xs, from, to)
		var err error
		for _, l := range s.layers {
			if chunk, err = l.Forward(chunk, false); err != nil {
				return err
			}
		}
		rowSlice(out, from, to).Copy(chunk)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Predict runs inference and returns a tensor owned by the model's manager.
// The caller must release it.
func (s *Sequential) Predict(x *memory.Tensor) (*memory.Tensor, error) {
	if s.disposed {
		return nil, ErrDisposed
	}
	if len(s.layers) == 0 {
		return nil, fmt.Errorf("cannot predict with an empty model")
	}
	xs, err := x.Dense()
	if err != nil {
		return nil, errors.Wrap(err, "predict inputs")
	}
	out, err := s.forward(xs)
	if err != nil {
		return nil, err
	}
	return s.manager.FromDense(out)
}

// Evaluate returns the loss (and accuracy when compiled with it) over x/y.
func (s *Sequential) Evaluate(x, y *memory.Tensor) (EvalResult, error) {
	if err := s.ready(); err != nil {
		return EvalResult{}, err
	}
	xs, err := x.Dense()
	if err != nil {
		return EvalResult{}, err
	}
	ys, err := y.Dense()
	if err != nil {
		return EvalResult{}, err
	}
	if err := s.checkPair("evaluate", xs, ys); err != nil {
		return EvalResult{}, err
	}
	pred, err := s.forward(xs)
	if err != nil {
		return EvalResult{}, err
	}
	loss, err := computeLoss(s.loss, pred, ys)
	if err != nil {
		return EvalResult{}, err
	}
	res := EvalResult{Loss: loss}
	if s.HasAccuracy() {
		a := accuracy(pred, ys)
		res.Accuracy = &a
	}
	return res, nil
}

// LayerOutputs returns the activated output of every layer for x. When a
// layer fails the remaining entries are nil and the error is returned with
// the tensors produced so far; the caller releases all non-nil entries.
func (s *Sequential) LayerOutputs(x *memory.Tensor) ([]*memory.Tensor, error) {
	outs := make([]*memory.Tensor, len(s.layers))
	if s.disposed {
		return outs, ErrDisposed
	}
	cur, err := x.Dense()
	if err != nil {
		return outs, err
	}
	for i, l := range s.layers {
		if cur, err = l.Forward(cur, false); err != nil {
			return outs, errors.Wrapf(err, "layer %d (%s)", i, l.Name())
		}
		if outs[i], err = s.manager.FromDense(cur); err != nil {
			return outs, err
		}
	}
	return outs, nil
}

// LayerWeights returns copies of layer i's parameters (kernel, then bias).
// The caller releases the tensors.
func (s *Sequential) LayerWeights(i int) ([]*memory.Tensor, error) {
	return s.layerParams(i, func(p *Param) []float64 { return p.Value })
}

// LayerGradients returns copies of layer i's most recent parameter gradients.
func (s *Sequential) LayerGradients(i int) ([]*memory.Tensor, error) {
	return s.layerParams(i, func(p *Param) []float64 { return p.Grad })
}

func (s *Sequential) layerParams(i int, pick func(*Param) []float64) ([]*memory.Tensor, error) {
	if s.disposed {
		return nil, ErrDisposed
	}
	if i < 0 || i >= len(s.layers) {
		return nil, fmt.Errorf("layer index %d out of range [0, %d)", i, len(s.layers))
	}
	var out []*memory.Tensor
	for _, p := range s.layers[i].Params() {
		t, err := s.manager.NewTensor(pick(p), p.Shape...)
		if err != nil {
			s.manager.Dispose(out...)
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// GetWeights returns copies of every parameter of the model in layer order.
func (s *Sequential) GetWeights() ([]*memory.Tensor, error) {
	var all []*memory.Tensor
	for i := range s.layers {
		ws, err := s.LayerWeights(i)
		if err != nil {
			s.manager.Dispose(all...)
			return nil, err
		}
		all = append(all, ws...)
	}
	return all, nil
}

// ParameterCount returns the number of learnable values.
func (s *Sequential) ParameterCount() int {
	n := 0
	for _, l := range s.layers {
		for _, p := range l.Params() {
			n += len(p.Value)
		}
	}
	return n
}

// Summary returns a human-readable model summary
func (s *Sequential) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", s.name)
	fmt.Fprintf(&b, "Input Shape: %v\n", s.InputShape())
	for i, l := range s.layers {
		params := 0
		for _, p := range l.Params() {
			params += len(p.Value)
		}
		fmt.Fprintf(&b, "  %d: %-10s %-8s %-10s out=%v params=%d\n",
			i, l.Name(), l.Kind(), l.Activation(), l.OutputShape(), params)
	}
	fmt.Fprintf(&b, "Total Parameters: %d\n", s.ParameterCount())
	return b.String()
}

// Dispose releases the model's optimizer state and layers. A second call
// returns ErrDisposed and has no other effect.
func (s *Sequential) Dispose() error {
	if s.disposed {
		return ErrDisposed
	}
	s.disposed = true
	if s.optimizer != nil {
		s.optimizer.Cleanup()
	}
	s.layers = nil
	s.compiled = false
	return nil
}

// Disposed reports whether Dispose has been called.
func (s *Sequential) Disposed() bool { return s.disposed }
