package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ProblemType distinguishes regression targets from class labels.
type ProblemType string

const (
	Regression     ProblemType = "regression"
	Classification ProblemType = "classification"
)

// maxInferredClasses bounds how many distinct integral targets are read as
// class labels rather than a regression target.
const maxInferredClasses = 10

// Validation errors
var (
	ErrEmpty          = errors.New("dataset is empty")
	ErrLengthMismatch = errors.New("xs and ys have different lengths")
	ErrRaggedRows     = errors.New("rows have inconsistent widths")
)

// Dataset is the training view of a dataset: index-aligned feature and
// target vectors. Classes lists label names when targets encode classes.
type Dataset struct {
	Name    string      `json:"name,omitempty"`
	Xs      [][]float64 `json:"xs"`
	Ys      [][]float64 `json:"ys"`
	Classes []string    `json:"classes,omitempty"`
	Problem ProblemType `json:"problem,omitempty"`
}

// New validates xs/ys and infers the problem type from the targets.
func New(name string, xs, ys [][]float64) (*Dataset, error) {
	ds := &Dataset{Name: name, Xs: copyRows(xs), Ys: copyRows(ys)}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	ds.Problem, _ = Analyze(ds.Ys)
	return ds, nil
}

// FromTargets builds a regression dataset from scalar targets
func FromTargets(name string, xs [][]float64, targets []float64) (*Dataset, error) {
	ys := make([][]float64, len(targets))
	for i, v := range targets {
		ys[i] = []float64{v}
	}
	ds := &Dataset{Name: name, Xs: copyRows(xs), Ys: ys, Problem: Regression}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// FromLabels encodes string labels: two classes become a single 0/1 column
// (sigmoid convention), more classes become one-hot rows. Classes are
// ordered lexically so encoding is deterministic.
func FromLabels(name string, xs [][]float64, labels []string) (*Dataset, error) {
	seen := make(map[string]bool)
	var classes []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			classes = append(classes, l)
		}
	}
	sort.Strings(classes)
	if len(classes) < 2 {
		return nil, fmt.Errorf("classification needs at least 2 distinct labels, got %d", len(classes))
	}
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	ys := make([][]float64, len(labels))
	for i, l := range labels {
		if len(classes) == 2 {
			ys[i] = []float64{float64(index[l])}
			continue
		}
		row := make([]float64, len(classes))
		row[index[l]] = 1
		ys[i] = row
	}

	ds := &Dataset{Name: name, Xs: copyRows(xs), Ys: ys, Classes: classes, Problem: Classification}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Validate enforces the binding invariant: non-empty, equal length, and
// consistent row widths on both sides.
func (d *Dataset) Validate() error {
	if d == nil || len(d.Xs) == 0 || len(d.Ys) == 0 {
		return ErrEmpty
	}
	if len(d.Xs) != len(d.Ys) {
		return fmt.Errorf("%w: %d inputs, %d targets", ErrLengthMismatch, len(d.Xs), len(d.Ys))
	}
	if err := checkWidths("xs", d.Xs); err != nil {
		return err
	}
	return checkWidths("ys", d.Ys)
}

func checkWidths(label string, rows [][]float64) error {
	width := len(rows[0])
	if width == 0 {
		return fmt.Errorf("%w: %s[0] is empty", ErrRaggedRows, label)
	}
	for i, r := range rows {
		if len(r) != width {
			return fmt.Errorf("%w: %s[%d] has %d values, expected %d", ErrRaggedRows, label, i, len(r), width)
		}
	}
	return nil
}

// Len returns the number of samples
func (d *Dataset) Len() int { return len(d.Xs) }

// InputWidth returns the feature count
func (d *Dataset) InputWidth() int {
	if len(d.Xs) == 0 {
		return 0
	}
	return len(d.Xs[0])
}

// OutputWidth returns the target vector width
func (d *Dataset) OutputWidth() int {
	if len(d.Ys) == 0 {
		return 0
	}
	return len(d.Ys[0])
}

// ProblemType returns the declared problem type, inferring it from the
// targets when unset.
func (d *Dataset) ProblemType() ProblemType {
	if d.Problem != "" {
		return d.Problem
	}
	p, _ := Analyze(d.Ys)
	return p
}

// ClassCount returns the label cardinality: the declared class list when
// present, otherwise what Analyze infers. Regression datasets report 0.
func (d *Dataset) ClassCount() int {
	if d.ProblemType() != Classification {
		return 0
	}
	if len(d.Classes) > 0 {
		return len(d.Classes)
	}
	_, n := Analyze(d.Ys)
	return n
}

// Analyze infers the problem type and class count from numeric targets.
// One-hot rows are classification with one class per column; a single
// column of at most maxInferredClasses distinct non-negative integers is
// classification; everything else is regression.
func Analyze(ys [][]float64) (ProblemType, int) {
	if len(ys) == 0 || len(ys[0]) == 0 {
		return Regression, 0
	}
	width := len(ys[0])
	if width > 1 {
		for _, row := range ys {
			if !isOneHot(row) {
				return Regression, 0
			}
		}
		return Classification, width
	}

	distinct := make(map[float64]bool)
	for _, row := range ys {
		v := row[0]
		if v < 0 || v != math.Trunc(v) {
			return Regression, 0
		}
		distinct[v] = true
		if len(distinct) > maxInferredClasses {
			return Regression, 0
		}
	}
	if len(distinct) < 2 {
		return Regression, 0
	}
	return Classification, len(distinct)
}

func isOneHot(row []float64) bool {
	ones := 0
	for _, v := range row {
		switch v {
		case 1:
			ones++
		case 0:
		default:
			return false
		}
	}
	return ones == 1
}

// Split deterministically slices the first (1-split) fraction as training
// data and the remainder as validation data. No shuffling happens here.
// The training part always keeps at least one sample.
func (d *Dataset) Split(validationSplit float64) (train, validation *Dataset, err error) {
	if validationSplit < 0 || validationSplit >= 1 {
		return nil, nil, fmt.Errorf("validation split must be in [0, 1), got %g", validationSplit)
	}
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	n := d.Len()
	trainN := int(math.Ceil(float64(n) * (1 - validationSplit)))
	if trainN < 1 {
		trainN = 1
	}
	if trainN > n {
		trainN = n
	}

	train = d.slice(0, trainN)
	validation = d.slice(trainN, n)
	return train, validation, nil
}

func (d *Dataset) slice(from, to int) *Dataset {
	return &Dataset{
		Name:    d.Name,
		Xs:      copyRows(d.Xs[from:to]),
		Ys:      copyRows(d.Ys[from:to]),
		Classes: append([]string(nil), d.Classes...),
		Problem: d.Problem,
	}
}

// Clone returns a deep copy
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	return d.slice(0, len(d.Xs))
}

// Label returns the class name for an encoded target row, or the
// formatted value for regression targets.
func (d *Dataset) Label(y []float64) string {
	if len(y) == 0 {
		return ""
	}
	if d.ProblemType() == Classification && len(d.Classes) > 0 {
		idx := 0
		if len(y) == 1 {
			if y[0] >= 0.5 {
				idx = 1
			}
		} else {
			for i := range y {
				if y[i] > y[idx] {
					idx = i
				}
			}
		}
		if idx < len(d.Classes) {
			return d.Classes[idx]
		}
	}
	return strconv.FormatFloat(y[0], 'g', 4, 64)
}

func copyRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}
