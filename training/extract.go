package training

import (
	"fmt"
	"math"
	"time"

	"github.com/tsawler/trainviz/engine"
	"github.com/tsawler/trainviz/protocol"
)

// epochAccum averages batch results over a possibly interrupted epoch.
type epochAccum struct {
	lossSum float64
	accSum  float64
	hasAcc  bool
	seen    int
}

func (a *epochAccum) add(logs engine.BatchLogs) {
	a.lossSum += logs.Loss * float64(logs.Size)
	if logs.Accuracy != nil {
		a.accSum += *logs.Accuracy * float64(logs.Size)
		a.hasAcc = true
	}
	a.seen += logs.Size
}

func notFinite(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// metricPoint summarizes the epoch that just closed. Training values are
// the sample-weighted batch averages; validation values come from Fit.
func (r *runState) metricPoint() (protocol.MetricPoint, error) {
	point := protocol.MetricPoint{Epoch: r.epoch, Timestamp: time.Now().UnixMilli()}
	if r.accum.seen > 0 {
		point.Loss = r.accum.lossSum / float64(r.accum.seen)
		if r.accum.hasAcc {
			acc := r.accum.accSum / float64(r.accum.seen)
			point.Accuracy = &acc
		}
	} else {
		res, err := r.model.Evaluate(r.xTrain, r.yTrain)
		if err != nil {
			return point, fmt.Errorf("failed to evaluate epoch %d: %w", r.epoch, err)
		}
		point.Loss = res.Loss
		point.Accuracy = res.Accuracy
	}
	if l := r.epochLogs; l != nil {
		point.ValLoss = l.ValLoss
		point.ValAccuracy = l.ValAccuracy
	}
	return point, nil
}

// predictions runs the model over the full dataset in original order.
func (r *runState) predictions() ([]protocol.PredictionSample, error) {
	m := r.model.Manager()
	out, err := r.model.Predict(r.xAll)
	if err != nil {
		return nil, fmt.Errorf("failed to predict: %w", err)
	}
	defer m.Dispose(out)

	rows, err := out.Rows()
	if err != nil {
		return nil, err
	}
	if len(rows) != r.data.Len() {
		return nil, fmt.Errorf("prediction count %d does not match dataset length %d", len(rows), r.data.Len())
	}
	samples := make([]protocol.PredictionSample, len(rows))
	for i, row := range rows {
		samples[i] = protocol.PredictionSample{
			Index:      i,
			Prediction: row,
			Input:      append([]float64(nil), r.data.Xs[i]...),
			Actual:     append([]float64(nil), r.data.Ys[i]...),
		}
	}
	return samples, nil
}

// placeholder is the zero-filled entry used when extraction fails.
func (r *runState) placeholder(i int, l engine.Layer) protocol.LayerSnapshot {
	size := 1
	for _, d := range l.OutputShape() {
		size *= d
	}
	id := l.Name()
	if i < len(r.layerIDs) {
		id = r.layerIDs[i]
	}
	return protocol.LayerSnapshot{LayerID: id, LayerName: l.Name(), Activations: make([]float64, size)}
}

// safely runs one layer's extraction, turning errors and panics into a log
// line so the remaining layers are still extracted.
func (r *runState) safely(what string, i int, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("[worker] %s extraction for layer %d panicked: %v", what, i, rec)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Printf("[worker] %s extraction for layer %d failed: %v", what, i, err)
	}
}

// activationSnapshots records every layer's output for the first sample
// and its latest gradients.
func (r *runState) activationSnapshots() []protocol.LayerSnapshot {
	m := r.model.Manager()
	built := r.model.Layers()
	snaps := make([]protocol.LayerSnapshot, len(built))
	for i, l := range built {
		snaps[i] = r.placeholder(i, l)
	}

	x, err := m.FromRows(r.data.Xs[:1])
	if err != nil {
		r.logger.Printf("[worker] activation input: %v", err)
		return snaps
	}
	outs, err := r.model.LayerOutputs(x)
	m.Dispose(x)
	defer m.Dispose(outs...)
	if err != nil {
		r.logger.Printf("[worker] layer outputs: %v", err)
	}

	for i := range built {
		r.safely("activation", i, func() error {
			if i < len(outs) && outs[i] != nil {
				data, err := outs[i].Data()
				if err != nil {
					return err
				}
				snaps[i].Activations = data
			}
			grads, err := r.model.LayerGradients(i)
			defer m.Dispose(grads...)
			if err != nil {
				return err
			}
			if len(grads) > 0 {
				g, err := grads[0].Data()
				if err != nil {
					return err
				}
				snaps[i].Gradients = g
			}
			return nil
		})
	}
	return snaps
}

// weightSnapshots copies every layer's kernel and bias.
func (r *runState) weightSnapshots() []protocol.LayerSnapshot {
	m := r.model.Manager()
	built := r.model.Layers()
	snaps := make([]protocol.LayerSnapshot, len(built))
	for i, l := range built {
		snaps[i] = r.placeholder(i, l)
		r.safely("weight", i, func() error {
			ws, err := r.model.LayerWeights(i)
			defer m.Dispose(ws...)
			if err != nil {
				return err
			}
			if len(ws) > 0 {
				if snaps[i].Weights, err = ws[0].Data(); err != nil {
					return err
				}
			}
			if len(ws) > 1 {
				if snaps[i].Biases, err = ws[1].Data(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return snaps
}
