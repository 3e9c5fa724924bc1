package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/trainviz/memory"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestModel(t *testing.T, opts ...Option) *Sequential {
	t.Helper()
	opts = append([]Option{WithSeed(7), WithLogger(quietLogger())}, opts...)
	return NewSequential(opts...)
}

func mustTensor(t *testing.T, m *memory.Manager, rows [][]float64) *memory.Tensor {
	t.Helper()
	tensor, err := m.FromRows(rows)
	if err != nil {
		t.Fatalf("Failed to build tensor: %v", err)
	}
	return tensor
}

func xorData() ([][]float64, [][]float64) {
	return [][]float64{{0, 0}, {0, 1}, {1, 0}, {1, 1}},
		[][]float64{{0}, {1}, {1}, {0}}
}

func TestAddRequiresInputShapeOnFirstLayerOnly(t *testing.T) {
	model := newTestModel(t)
	dense, _ := NewDense("hidden", 4, "relu")
	if err := model.Add(dense); err == nil {
		t.Fatalf("Expected error when first layer has no input shape")
	}
	if err := model.Add(dense, 3); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	out, _ := NewDense("out", 1, "linear")
	if err := model.Add(out, 4); err == nil {
		t.Errorf("Expected error for input shape on a later layer")
	}
	if err := model.Add(out); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if got := model.OutputShape(); len(got) != 1 || got[0] != 1 {
		t.Errorf("Expected output shape [1], got %v", got)
	}
	if model.ParameterCount() != 3*4+4+4*1+1 {
		t.Errorf("Unexpected parameter count %d", model.ParameterCount())
	}
}

func TestLearnsXOR(t *testing.T) {
	model := newTestModel(t)
	hidden, _ := NewDense("hidden", 8, "tanh")
	out, _ := NewDense("out", 1, "sigmoid")
	_ = model.Add(hidden, 2)
	_ = model.Add(out)
	if err := model.Compile(CompileConfig{Optimizer: "adam", LearningRate: 0.05, Loss: LossBinaryCrossEntropy, Metrics: []string{"accuracy"}}); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	xs, ys := xorData()
	m := model.Manager()
	x, y := mustTensor(t, m, xs), mustTensor(t, m, ys)

	history, err := model.Fit(context.Background(), x, y, FitConfig{Epochs: 500, BatchSize: 4})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(history.Epochs) != 500 {
		t.Fatalf("Expected 500 epoch logs, got %d", len(history.Epochs))
	}
	first, last := history.Epochs[0], history.Epochs[len(history.Epochs)-1]
	if last.Loss >= first.Loss {
		t.Errorf("Loss did not decrease: %f -> %f", first.Loss, last.Loss)
	}

	res, err := model.Evaluate(x, y)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Accuracy == nil || *res.Accuracy != 1.0 {
		t.Errorf("Expected XOR accuracy 1.0, got %v (loss %f)", res.Accuracy, res.Loss)
	}
}

func TestFitCallbacksAndResume(t *testing.T) {
	model := newTestModel(t)
	out, _ := NewDense("out", 1, "linear")
	_ = model.Add(out, 1)
	_ = model.Compile(CompileConfig{Optimizer: "sgd", LearningRate: 0.01, Loss: "mse"})

	m := model.Manager()
	rows := make([][]float64, 10)
	targets := make([][]float64, 10)
	for i := range rows {
		rows[i] = []float64{float64(i)}
		targets[i] = []float64{2 * float64(i)}
	}
	x, y := mustTensor(t, m, rows), mustTensor(t, m, targets)

	var batches []int
	var epochs []int
	cb := Callbacks{
		OnBatchEnd: func(l BatchLogs) error { batches = append(batches, l.Batch); return nil },
		OnEpochEnd: func(l EpochLogs) error { epochs = append(epochs, l.Epoch); return nil },
	}

	// 10 samples, batch 3 -> 4 batches; resume epoch 1 from batch 2
	_, err := model.Fit(context.Background(), x, y, FitConfig{
		Epochs: 2, BatchSize: 3, InitialEpoch: 1, InitialBatch: 2, Callbacks: cb,
	})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(batches) != 2 || batches[0] != 2 || batches[1] != 3 {
		t.Errorf("Expected batches [2 3], got %v", batches)
	}
	if len(epochs) != 1 || epochs[0] != 1 {
		t.Errorf("Expected one epoch end for epoch 1, got %v", epochs)
	}

	// MaxBatches stops mid epoch without an epoch end
	batches, epochs = nil, nil
	_, err = model.Fit(context.Background(), x, y, FitConfig{Epochs: 1, BatchSize: 3, MaxBatches: 1, Callbacks: cb})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(batches) != 1 || len(epochs) != 0 {
		t.Errorf("Expected a single batch and no epoch end, got batches=%v epochs=%v", batches, epochs)
	}

	// A MaxBatches budget that lands on the last batch closes the epoch
	batches, epochs = nil, nil
	_, err = model.Fit(context.Background(), x, y, FitConfig{Epochs: 3, BatchSize: 3, InitialBatch: 3, MaxBatches: 1, Callbacks: cb})
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(batches) != 1 || len(epochs) != 1 {
		t.Errorf("Expected last batch plus epoch end, got batches=%v epochs=%v", batches, epochs)
	}
}

func TestCallbackErrorAbortsFit(t *testing.T) {
	model := newTestModel(t)
	out, _ := NewDense("out", 1, "linear")
	_ = model.Add(out, 1)
	_ = model.Compile(CompileConfig{Optimizer: "sgd", LearningRate: 0.01})

	m := model.Manager()
	x := mustTensor(t, m, [][]float64{{1}, {2}, {3}, {4}})
	y := mustTensor(t, m, [][]float64{{1}, {2}, {3}, {4}})

	stop := errors.New("stop requested")
	calls := 0
	_, err := model.Fit(context.Background(), x, y, FitConfig{
		Epochs: 5, BatchSize: 1,
		Callbacks: Callbacks{OnBatchEnd: func(BatchLogs) error {
			calls++
			if calls == 2 {
				return stop
			}
			return nil
		}},
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Expected callback error to propagate, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected fit to stop after 2 batches, ran %d", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := model.Fit(ctx, x, y, FitConfig{Epochs: 1, BatchSize: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestShapeMismatchIsTyped(t *testing.T) {
	model := newTestModel(t)
	out, _ := NewDense("out", 10, "softmax")
	_ = model.Add(out, 3)
	_ = model.Compile(CompileConfig{Optimizer: "adam", LearningRate: 0.01, Loss: LossCategoricalCrossEntropy})

	m := model.Manager()
	x := mustTensor(t, m, [][]float64{{1, 2, 3}, {4, 5, 6}})
	y := mustTensor(t, m, [][]float64{{1}, {0}})

	_, err := model.Fit(context.Background(), x, y, FitConfig{Epochs: 1, BatchSize: 2})
	var shapeErr *ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("Expected *ShapeError, got %v", err)
	}
	if shapeErr.Expected[1] != 10 || shapeErr.Actual[1] != 1 {
		t.Errorf("Unexpected shape error details: %v", shapeErr)
	}

	wrongWidth := mustTensor(t, m, [][]float64{{1, 2}})
	if _, err := model.Predict(wrongWidth); !errors.As(err, &shapeErr) {
		t.Errorf("Expected *ShapeError from Predict, got %v", err)
	}
}

func TestPredictParallelMatchesSerial(t *testing.T) {
	rows := make([][]float64, 300)
	for i := range rows {
		rows[i] = []float64{math.Sin(float64(i)), math.Cos(float64(i))}
	}

	predict := func(workers int) [][]float64 {
		model := newTestModel(t, WithParallelism(workers))
		h, _ := NewDense("h", 5, "relu")
		o, _ := NewDense("o", 2, "softmax")
		_ = model.Add(h, 2)
		_ = model.Add(o)
		x := mustTensor(t, model.Manager(), rows)
		pred, err := model.Predict(x)
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		defer pred.Release()
		out, _ := pred.Rows()
		return out
	}

	serial, parallel := predict(1), predict(4)
	for i := range serial {
		for j := range serial[i] {
			if math.Abs(serial[i][j]-parallel[i][j]) > 1e-12 {
				t.Fatalf("Row %d differs: %v vs %v", i, serial[i], parallel[i])
			}
		}
		if math.Abs(serial[i][0]+serial[i][1]-1) > 1e-9 {
			t.Fatalf("Softmax row %d does not sum to 1: %v", i, serial[i])
		}
	}
}

// TestGradientsMatchFiniteDifferences checks backprop through conv, flatten
// and dense layers against numerical derivatives.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	cases := []struct {
		name  string
		build func(*Sequential)
		loss  string
		x, y  [][]float64
	}{
		{
			name: "conv1d-dense-mse",
			build: func(s *Sequential) {
				c, _ := NewConv1D("conv", 2, 2, "tanh")
				d, _ := NewDense("out", 1, "sigmoid")
				_ = s.Add(c, 4, 1)
				_ = s.Add(NewFlatten("flat"))
				_ = s.Add(d)
			},
			loss: LossMSE,
			x:    [][]float64{{0.1, -0.4, 0.3, 0.9}, {0.5, 0.2, -0.7, 0.0}},
			y:    [][]float64{{1}, {0}},
		},
		{
			name: "conv2d-softmax-cce",
			build: func(s *Sequential) {
				c, _ := NewConv2D("conv", 2, 2, "relu")
				d, _ := NewDense("out", 3, "softmax")
				_ = s.Add(c, 3, 3, 1)
				_ = s.Add(d)
			},
			loss: LossCategoricalCrossEntropy,
			x:    [][]float64{{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}, {0.9, -0.1, 0.4, 0.2, -0.5, 0.3, 0.1, 0.8, -0.2}},
			y:    [][]float64{{0, 1, 0}, {1, 0, 0}},
		},
		{
			name: "dense-elu-bce",
			build: func(s *Sequential) {
				h, _ := NewDense("h", 3, "elu")
				o, _ := NewDense("o", 1, "sigmoid")
				_ = s.Add(h, 2)
				_ = s.Add(o)
			},
			loss: LossBinaryCrossEntropy,
			x:    [][]float64{{0.3, -1.2}, {-0.8, 0.4}, {1.5, 0.2}},
			y:    [][]float64{{1}, {0}, {1}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := newTestModel(t)
			tc.build(model)
			if err := model.Compile(CompileConfig{Optimizer: "sgd", LearningRate: 0.1, Loss: tc.loss}); err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			xs := denseFromRows(tc.x)
			ys := denseFromRows(tc.y)

			_, _, params, grads, err := model.backprop(xs, ys)
			if err != nil {
				t.Fatalf("backprop failed: %v", err)
			}
			var theta, analytic []float64
			for i := range params {
				theta = append(theta, params[i]...)
				analytic = append(analytic, grads[i]...)
			}

			set := func(v []float64) {
				off := 0
				for _, p := range params {
					copy(p, v[off:off+len(p)])
					off += len(p)
				}
			}
			f := func(v []float64) float64 {
				set(v)
				pred, err := model.forward(xs)
				if err != nil {
					t.Fatalf("forward failed: %v", err)
				}
				loss, _ := computeLoss(model.loss, pred, ys)
				return loss
			}

			original := append([]float64(nil), theta...)
			numeric := fd.Gradient(nil, f, theta, &fd.Settings{Formula: fd.Central, Step: 1e-6})
			set(original)

			for i := range numeric {
				if math.Abs(numeric[i]-analytic[i]) > 1e-5 {
					t.Errorf("param %d: numeric %.8f, analytic %.8f", i, numeric[i], analytic[i])
				}
			}
		})
	}
}

func denseFromRows(rows [][]float64) *mat.Dense {
	d := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		d.SetRow(i, r)
	}
	return d
}

func TestLayerOutputsAndWeights(t *testing.T) {
	model := newTestModel(t)
	h, _ := NewDense("h", 4, "relu")
	o, _ := NewDense("o", 2, "linear")
	_ = model.Add(h, 3)
	_ = model.Add(NewFlatten("flat"))
	_ = model.Add(o)

	m := model.Manager()
	x := mustTensor(t, m, [][]float64{{1, 2, 3}})
	before := m.Live()

	outs, err := model.LayerOutputs(x)
	if err != nil {
		t.Fatalf("LayerOutputs failed: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("Expected 3 layer outputs, got %d", len(outs))
	}
	if outs[0].Shape()[1] != 4 || outs[2].Shape()[1] != 2 {
		t.Errorf("Unexpected output shapes %v %v", outs[0].Shape(), outs[2].Shape())
	}
	m.Dispose(outs...)

	ws, err := model.LayerWeights(0)
	if err != nil {
		t.Fatalf("LayerWeights failed: %v", err)
	}
	if len(ws) != 2 || ws[0].Len() != 12 || ws[1].Len() != 4 {
		t.Errorf("Unexpected weight tensors")
	}
	m.Dispose(ws...)

	if flat, err := model.LayerWeights(1); err != nil || len(flat) != 0 {
		t.Errorf("Flatten has no weights, got %d tensors (err %v)", len(flat), err)
	}
	if _, err := model.LayerWeights(7); err == nil {
		t.Errorf("Expected out of range error")
	}

	all, err := model.GetWeights()
	if err != nil || len(all) != 4 {
		t.Fatalf("Expected 4 parameter tensors, got %d (err %v)", len(all), err)
	}
	m.Dispose(all...)

	if m.Live() != before {
		t.Errorf("Leaked tensors: %d live, expected %d", m.Live(), before)
	}
}

func TestDisposeIsIdempotentTolerant(t *testing.T) {
	model := newTestModel(t)
	o, _ := NewDense("o", 1, "linear")
	_ = model.Add(o, 1)
	_ = model.Compile(CompileConfig{Optimizer: "rmsprop", LearningRate: 0.01})

	if err := model.Dispose(); err != nil {
		t.Fatalf("First dispose failed: %v", err)
	}
	if err := model.Dispose(); !errors.Is(err, ErrDisposed) {
		t.Errorf("Expected ErrDisposed, got %v", err)
	}
	x := mustTensor(t, model.Manager(), [][]float64{{1}})
	if _, err := model.Predict(x); !errors.Is(err, ErrDisposed) {
		t.Errorf("Expected ErrDisposed from Predict, got %v", err)
	}

	// A fresh model can still be created and trained
	fresh := newTestModel(t)
	o2, _ := NewDense("o", 1, "linear")
	_ = fresh.Add(o2, 1)
	if err := fresh.Compile(CompileConfig{Optimizer: "adagrad", LearningRate: 0.1}); err != nil {
		t.Fatalf("Compile after dispose failed: %v", err)
	}
	if _, _, err := fresh.TrainOnBatch(mustTensor(t, fresh.Manager(), [][]float64{{1}}), mustTensor(t, fresh.Manager(), [][]float64{{2}})); err != nil {
		t.Errorf("TrainOnBatch failed: %v", err)
	}
}

func TestCompileValidation(t *testing.T) {
	model := newTestModel(t)
	if err := model.Compile(CompileConfig{Optimizer: "sgd", LearningRate: 0.1}); err == nil {
		t.Errorf("Expected error compiling an empty model")
	}
	o, _ := NewDense("o", 1, "linear")
	_ = model.Add(o, 1)
	if err := model.Compile(CompileConfig{Optimizer: "sgd", LearningRate: 0.1, Loss: "hinge"}); err == nil {
		t.Errorf("Expected error for unknown loss")
	}
	if err := model.Compile(CompileConfig{Optimizer: "sgd", LearningRate: 0.1, Metrics: []string{"f1"}}); err == nil {
		t.Errorf("Expected error for unknown metric")
	}
	if _, err := NewDense("bad", 2, "swish"); err == nil {
		t.Errorf("Expected error for unknown activation")
	}
	if _, err := NewConv2D("c", 1, 5, "relu"); err != nil {
		t.Fatalf("NewConv2D failed: %v", err)
	}
	conv, _ := NewConv2D("c", 1, 5, "relu")
	model2 := newTestModel(t)
	if err := model2.Add(conv, 3, 3, 1); err == nil {
		t.Errorf("Expected error for kernel larger than input")
	}
}
