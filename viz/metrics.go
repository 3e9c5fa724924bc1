package viz

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/trainviz/protocol"
)

// ConfusionMatrix counts predictions per [actual][predicted] class
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	if numClasses < 2 {
		numClasses = 2
	}
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// ConfusionFromPredictions decodes every sample with ClassIndex. Samples
// outside the class range are skipped.
func ConfusionFromPredictions(ps []protocol.PredictionSample, numClasses int) *ConfusionMatrix {
	cm := NewConfusionMatrix(numClasses)
	for _, p := range ps {
		if len(p.Actual) == 0 || len(p.Prediction) == 0 {
			continue
		}
		cm.Add(ClassIndex(p.Actual), ClassIndex(p.Prediction))
	}
	return cm
}

// Add records one prediction
func (cm *ConfusionMatrix) Add(actual, predicted int) {
	if actual < 0 || actual >= cm.NumClasses || predicted < 0 || predicted >= cm.NumClasses {
		return
	}
	cm.Matrix[actual][predicted]++
	cm.TotalSamples++
}

// Accuracy is the share of samples on the diagonal
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Precision of one class; 0 when the class was never predicted.
func (cm *ConfusionMatrix) Precision(class int) float64 {
	tp := cm.Matrix[class][class]
	predicted := 0
	for i := 0; i < cm.NumClasses; i++ {
		predicted += cm.Matrix[i][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(tp) / float64(predicted)
}

// Recall of one class; 0 when the class never occurs.
func (cm *ConfusionMatrix) Recall(class int) float64 {
	tp := cm.Matrix[class][class]
	actual := 0
	for j := 0; j < cm.NumClasses; j++ {
		actual += cm.Matrix[class][j]
	}
	if actual == 0 {
		return 0
	}
	return float64(tp) / float64(actual)
}

// F1 of one class
func (cm *ConfusionMatrix) F1(class int) float64 {
	p, r := cm.Precision(class), cm.Recall(class)
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// MacroPrecision averages precision over classes that occur
func (cm *ConfusionMatrix) MacroPrecision() float64 { return cm.macro(cm.Precision) }

// MacroRecall averages recall over classes that occur
func (cm *ConfusionMatrix) MacroRecall() float64 { return cm.macro(cm.Recall) }

// MacroF1 averages F1 over classes that occur
func (cm *ConfusionMatrix) MacroF1() float64 { return cm.macro(cm.F1) }

func (cm *ConfusionMatrix) macro(metric func(int) float64) float64 {
	var values []float64
	for c := 0; c < cm.NumClasses; c++ {
		occurs := false
		for j := 0; j < cm.NumClasses; j++ {
			if cm.Matrix[c][j] > 0 || cm.Matrix[j][c] > 0 {
				occurs = true
				break
			}
		}
		if occurs {
			values = append(values, metric(c))
		}
	}
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// RegressionMetrics holds regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 `json:"mae"`
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
	NMAE float64 `json:"nmae"`
}

// CalculateRegressionMetrics scores the first output column against the
// first target column.
func CalculateRegressionMetrics(ps []protocol.PredictionSample) RegressionMetrics {
	pred := make([]float64, 0, len(ps))
	actual := make([]float64, 0, len(ps))
	for _, p := range ps {
		if len(p.Actual) == 0 || len(p.Prediction) == 0 {
			continue
		}
		pred = append(pred, p.Prediction[0])
		actual = append(actual, p.Actual[0])
	}
	n := float64(len(pred))
	if n == 0 {
		return RegressionMetrics{}
	}

	diff := make([]float64, len(pred))
	floats.SubTo(diff, pred, actual)
	mse := floats.Dot(diff, diff) / n
	abs := 0.0
	for _, d := range diff {
		abs += math.Abs(d)
	}
	m := RegressionMetrics{MAE: abs / n, MSE: mse, RMSE: math.Sqrt(mse)}

	if stat.Variance(actual, nil) > 0 {
		m.R2 = stat.RSquaredFrom(pred, actual, nil)
	}
	if lo, hi := floats.Min(actual), floats.Max(actual); hi > lo {
		m.NMAE = m.MAE / (hi - lo)
	}
	return m
}
