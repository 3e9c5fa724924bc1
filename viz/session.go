package viz

import (
	"fmt"
	"io"

	"github.com/tsawler/trainviz/layers"
	"github.com/tsawler/trainviz/protocol"
	"github.com/tsawler/trainviz/store"
)

// SourceFromSnapshot builds a plot source from a store snapshot
func SourceFromSnapshot(modelName string, snap store.Snapshot) Source {
	src := Source{
		ModelName:   modelName,
		Metrics:     snap.Metrics,
		Predictions: snap.Predictions,
		Activations: snap.Activations,
		Weights:     snap.Weights,
	}
	if snap.Dataset != nil {
		src.Problem = snap.Dataset.Problem
		src.Classes = snap.Dataset.Classes
	}
	return src
}

// TrainingSession renders store events as terminal progress for headless
// runs.
type TrainingSession struct {
	out       io.Writer
	modelName string
	bar       *ProgressBar
	barEpoch  int
	paused    bool
}

// NewTrainingSession creates a session writing to out
func NewTrainingSession(out io.Writer, modelName string) *TrainingSession {
	return &TrainingSession{out: out, modelName: modelName}
}

// StartTraining prints the model architecture
func (ts *TrainingSession) StartTraining(spec *layers.ModelSpec) {
	if spec != nil {
		NewModelArchitecturePrinter(ts.modelName).PrintArchitecture(ts.out, spec)
	}
	fmt.Fprintln(ts.out, "Starting training...")
}

// Handle renders one event and reports whether the run has ended.
func (ts *TrainingSession) Handle(ev store.Event) bool {
	st := ev.Status
	switch ev.Kind {
	case store.EventProgress:
		if ts.bar == nil || st.CurrentEpoch != ts.barEpoch {
			ts.bar = NewProgressBar(ts.out, fmt.Sprintf("Epoch %d/%d", st.CurrentEpoch+1, st.TotalEpochs), st.BatchesPerEpoch)
			ts.barEpoch = st.CurrentEpoch
		}
		metrics := map[string]float64{}
		if b := st.LastBatch; b != nil {
			metrics["loss"] = b.Loss
			if b.Accuracy != nil {
				metrics["accuracy"] = *b.Accuracy
			}
		}
		ts.bar.Update(st.BatchInEpoch, metrics)
	case store.EventMetrics:
		if ts.bar != nil {
			ts.bar.Finish()
			ts.bar = nil
		}
		if ev.Metric != nil {
			ts.PrintEpochSummary(*ev.Metric, st.TotalEpochs)
		}
	case store.EventState:
		return ts.handleState(st)
	}
	return false
}

func (ts *TrainingSession) handleState(st store.Status) bool {
	switch st.State {
	case store.StateTraining:
		if ts.paused {
			fmt.Fprintln(ts.out, "Resumed.")
			ts.paused = false
		}
	case store.StatePaused:
		if !ts.paused {
			ts.breakLine()
			fmt.Fprintf(ts.out, "Paused at epoch %d, batch %d (%s).\n", st.CurrentEpoch, st.BatchInEpoch, st.PauseReason)
			ts.paused = true
		}
	case store.StateCompleted:
		ts.breakLine()
		fmt.Fprintf(ts.out, "Training complete: %d epochs, %d batches.\n", st.TotalEpochs, st.CurrentBatch)
		return true
	case store.StateStopped:
		ts.breakLine()
		fmt.Fprintln(ts.out, "Training stopped.")
		return true
	case store.StateError:
		ts.breakLine()
		if st.LastError != nil {
			fmt.Fprintf(ts.out, "Training failed (%s): %s\n", st.LastError.Kind, st.LastError.Message)
		} else {
			fmt.Fprintln(ts.out, "Training failed.")
		}
		return true
	}
	return false
}

// breakLine ends a partially drawn progress bar
func (ts *TrainingSession) breakLine() {
	if ts.bar != nil {
		fmt.Fprintln(ts.out)
		ts.bar = nil
	}
}

// PrintEpochSummary prints a summary of the completed epoch
func (ts *TrainingSession) PrintEpochSummary(m protocol.MetricPoint, epochs int) {
	fmt.Fprintf(ts.out, "Epoch %d/%d Summary:\n", m.Epoch+1, epochs)
	fmt.Fprintf(ts.out, "  Training   - Loss: %.4f", m.Loss)
	if m.Accuracy != nil {
		fmt.Fprintf(ts.out, ", Accuracy: %.2f%%", *m.Accuracy*100)
	}
	fmt.Fprintln(ts.out)
	if m.ValLoss != nil {
		fmt.Fprintf(ts.out, "  Validation - Loss: %.4f", *m.ValLoss)
		if m.ValAccuracy != nil {
			fmt.Fprintf(ts.out, ", Accuracy: %.2f%%", *m.ValAccuracy*100)
		}
		fmt.Fprintln(ts.out)
	}
}
