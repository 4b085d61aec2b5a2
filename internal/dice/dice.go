// Package dice provides the injectable random source used by enemy generation
// and combat resolution.
package dice

import (
	"math/rand"
	"sync"
	"time"
)

// Source is the random source every game roll goes through.
// Implementations must be safe for concurrent use.
type Source interface {
	// Intn returns a value in [0, n). n must be > 0.
	Intn(n int) int
	// Float64 returns a value in [0.0, 1.0).
	Float64() float64
}

// lockedSource guards a *rand.Rand, which is not safe for concurrent use.
type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeeded returns a reproducible source for the given seed.
func NewSeeded(seed int64) Source {
	return &lockedSource{rng: rand.New(rand.NewSource(seed))}
}

// NewTimeSeeded returns a source seeded from the current time along with the
// seed used, so it can be logged and replayed.
func NewTimeSeeded() (Source, int64) {
	seed := time.Now().UnixNano()
	return NewSeeded(seed), seed
}

func (s *lockedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// RandInt returns a value in [lo, hi], inclusive on both ends.
// If hi < lo the bounds are swapped.
func RandInt(src Source, lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + src.Intn(hi-lo+1)
}

// Chance reports true with probability p. p <= 0 never succeeds and p >= 1
// always does.
func Chance(src Source, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return src.Float64() < p
}

// Pick returns a uniformly chosen index into a collection of length n,
// or -1 when n is zero.
func Pick(src Source, n int) int {
	if n <= 0 {
		return -1
	}
	return src.Intn(n)
}

// Scripted replays fixed values, for tests that need an exact roll sequence.
// Ints are returned modulo n so a script never produces an out-of-range value.
// When a queue runs dry, Intn returns 0 and Float64 returns 0.
type Scripted struct {
	mu     sync.Mutex
	Ints   []int
	Floats []float64
}

// Intn returns the next scripted int reduced into [0, n).
func (s *Scripted) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Ints) == 0 {
		return 0
	}
	v := s.Ints[0]
	s.Ints = s.Ints[1:]
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// Float64 returns the next scripted float.
func (s *Scripted) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Floats) == 0 {
		return 0
	}
	v := s.Floats[0]
	s.Floats = s.Floats[1:]
	return v
}
