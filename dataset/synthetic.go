package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Preset names accepted by Generate
const (
	PresetLinear = "linear"
	PresetXOR    = "xor"
	PresetBlobs  = "blobs"
	PresetSine   = "sine"
)

// Presets lists the built-in generators
func Presets() []string {
	names := []string{PresetLinear, PresetXOR, PresetBlobs, PresetSine}
	sort.Strings(names)
	return names
}

// Generate builds a named synthetic dataset with n samples. The same seed
// always produces the same rows.
func Generate(preset string, n int, seed int64) (*Dataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", n)
	}
	rng := rand.New(rand.NewSource(seed))
	switch preset {
	case PresetLinear:
		return Linear(rng, n, 3)
	case PresetXOR:
		return XOR(rng, n)
	case PresetBlobs:
		return Blobs(rng, n, 3)
	case PresetSine:
		return Sine(rng, n)
	default:
		return nil, fmt.Errorf("unknown preset %q", preset)
	}
}

// Linear generates y = w·x + b plus a little noise over features in [-1, 1].
func Linear(rng *rand.Rand, n, features int) (*Dataset, error) {
	w := make([]float64, features)
	for i := range w {
		w[i] = rng.Float64()*2 - 1
	}
	b := rng.Float64() - 0.5

	xs := make([][]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		x := make([]float64, features)
		y := b
		for j := range x {
			x[j] = rng.Float64()*2 - 1
			y += w[j] * x[j]
		}
		xs[i] = x
		ys[i] = y + rng.NormFloat64()*0.01
	}
	return FromTargets(PresetLinear, xs, ys)
}

// XOR generates points in the unit square labeled by quadrant parity.
func XOR(rng *rand.Rand, n int) (*Dataset, error) {
	xs := make([][]float64, n)
	labels := make([]string, n)
	for i := range xs {
		a, b := rng.Float64()*2-1, rng.Float64()*2-1
		xs[i] = []float64{a, b}
		if (a > 0) != (b > 0) {
			labels[i] = "on"
		} else {
			labels[i] = "off"
		}
	}
	return FromLabels(PresetXOR, xs, labels)
}

// Blobs generates k Gaussian clusters on a circle, one class per cluster.
func Blobs(rng *rand.Rand, n, k int) (*Dataset, error) {
	if k < 2 {
		return nil, fmt.Errorf("blobs needs at least 2 clusters, got %d", k)
	}
	xs := make([][]float64, n)
	labels := make([]string, n)
	for i := range xs {
		c := i % k
		angle := 2 * math.Pi * float64(c) / float64(k)
		xs[i] = []float64{
			math.Cos(angle)*2 + rng.NormFloat64()*0.3,
			math.Sin(angle)*2 + rng.NormFloat64()*0.3,
		}
		labels[i] = fmt.Sprintf("cluster_%d", c)
	}
	return FromLabels(PresetBlobs, xs, labels)
}

// Sine samples y = sin(x) over [-pi, pi].
func Sine(rng *rand.Rand, n int) (*Dataset, error) {
	xs := make([][]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		x := (rng.Float64()*2 - 1) * math.Pi
		xs[i] = []float64{x}
		ys[i] = math.Sin(x)
	}
	return FromTargets(PresetSine, xs, ys)
}
