package optimizer

// RandGen is a small deterministic generator so batch runs are reproducible
// under a fixed seed, in CI and across hosts.
type RandGen struct {
	state uint64
}

// NewRandGen seeds a generator. The same seed always yields the same
// sequence.
func NewRandGen(seed uint64) *RandGen {
	return &RandGen{state: seed}
}

// Float64 returns a pseudo-random float64 in [0.0, 1.0).
func (r *RandGen) Float64() float64 {
	// Linear congruential generator; quality is irrelevant here,
	// reproducibility is the point.
	r.state = r.state*1103515245 + 12345
	return float64(r.state&0x7FFFFFFF) / float64(0x80000000)
}

// Intn returns a pseudo-random int in [0, n).
func (r *RandGen) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.Float64() * float64(n))
}

// Range returns a pseudo-random float64 in [lo, hi).
func (r *RandGen) Range(lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}
