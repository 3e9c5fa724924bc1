package engine

import (
	"math"
	"math/rand"
)

// Initializer draws initial weights for a layer with the given fan-in and
// fan-out.
type Initializer interface {
	Sample(fanIn, fanOut int) float64
}

// GlorotUniform samples from U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
type GlorotUniform struct {
	rng *rand.Rand
}

// NewGlorotUniform returns a deterministic initializer for the given seed.
func NewGlorotUniform(seed int64) *GlorotUniform {
	return &GlorotUniform{rng: rand.New(rand.NewSource(seed))}
}

// Sample implements Initializer.
func (g *GlorotUniform) Sample(fanIn, fanOut int) float64 {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return (g.rng.Float64()*2 - 1) * limit
}
