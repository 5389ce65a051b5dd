package simulation

import (
	"math/rand/v2"
	"sync"
)

// Source yields uniform values in [0,1). Implementations must be safe for
// concurrent use when shared by an engine.
type Source interface {
	Float64() float64
}

type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewSource returns a seeded PCG-backed source.
func NewSource(seed uint64) Source {
	return &lockedSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// Fixed replays values in order and wraps around. Useful for deterministic
// tests and replays.
type Fixed struct {
	mu     sync.Mutex
	values []float64
	next   int
}

func NewFixed(values ...float64) *Fixed {
	if len(values) == 0 {
		values = []float64{0.5}
	}
	return &Fixed{values: values}
}

func (f *Fixed) Float64() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.values[f.next%len(f.values)]
	f.next++
	return v
}

// Draws reports how many values have been consumed.
func (f *Fixed) Draws() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func uniform(src Source, min, max float64) float64 {
	return min + src.Float64()*(max-min)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
