// Package qualify draws call outcomes and durations. Qualification is a
// Bernoulli trial on the configured agent-type x call-type conversion
// matrix; durations come from a clamped normal distribution.
package qualify

import (
	"math/rand/v2"
	"sync"

	"github.com/acd-dev/acd/internal/domain"
)

// Sampler owns the engine's random stream. Safe for concurrent use.
type Sampler struct {
	mu     sync.Mutex
	rng    *rand.Rand
	matrix map[string]map[string]float64
}

// NewSampler creates a sampler over the given conversion matrix using a
// randomly seeded stream.
func NewSampler(matrix map[string]map[string]float64) *Sampler {
	return &Sampler{
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		matrix: matrix,
	}
}

// NewSamplerSeeded creates a sampler with a fixed seed. Test hook.
func NewSamplerSeeded(matrix map[string]map[string]float64, seed uint64) *Sampler {
	return &Sampler{
		rng:    rand.New(rand.NewPCG(seed, seed)),
		matrix: matrix,
	}
}

// Probability returns the conversion probability for a combination, or
// 0 for unknown keys.
func (s *Sampler) Probability(agentType, callType string) float64 {
	row, ok := s.matrix[agentType]
	if !ok {
		return 0
	}
	return row[callType]
}

// Qualify draws the OK/KO outcome for a completed call. Unknown
// combinations always draw KO.
func (s *Sampler) Qualify(agentType, callType string) domain.Qualification {
	p := s.Probability(agentType, callType)

	s.mu.Lock()
	v := s.rng.Float64()
	s.mu.Unlock()

	if v < p {
		return domain.QualificationOK
	}
	return domain.QualificationKO
}

// Duration draws a call duration in seconds from Normal(mean, std),
// clamped to at least one second.
func (s *Sampler) Duration(meanSeconds, stdSeconds float64) float64 {
	s.mu.Lock()
	d := s.rng.NormFloat64()*stdSeconds + meanSeconds
	s.mu.Unlock()

	if d < 1.0 {
		return 1.0
	}
	return d
}
