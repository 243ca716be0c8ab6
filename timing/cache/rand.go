package cache

import "math/rand/v2"

// randSource is the PRNG consumed by Random replacement. It is scoped
// to a single Cache instance rather than to the process, so that
// independent Cache instances can be driven concurrently without
// contending over or perturbing each other's random sequence. The seed
// comes from Params.RandSeed, so Random-policy caches are deterministic
// in tests unless the caller opts into variation.
type randSource struct {
	r *rand.Rand
}

func newRandSource(seed uint64) *randSource {
	return &randSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// intn returns a uniform value in [0, n).
func (s *randSource) intn(n int) int {
	return int(s.r.IntN(n))
}
