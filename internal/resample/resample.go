// Package resample turns log importance weights into a probability mapping
// and draws ancestor index assignments from it.
package resample

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrDegenerate        = errors.New("no particle has positive weight")
	ErrInvalidAssignment = errors.New("invalid resampling assignment")
	ErrUnknownScheme     = errors.New("unknown resampling scheme")
)

// Normalize converts log weights into weights summing to one. It returns the
// log of the unnormalized total, which is the log marginal likelihood
// increment up to the log of the particle count. Entries that are NaN or +Inf
// are treated as -Inf.
func Normalize(logWeights []float64) ([]float64, float64, error) {
	if len(logWeights) == 0 {
		return nil, 0, fmt.Errorf("%w: empty weight vector", ErrDegenerate)
	}
	clean := make([]float64, len(logWeights))
	for i, lw := range logWeights {
		if math.IsNaN(lw) || math.IsInf(lw, 1) {
			lw = math.Inf(-1)
		}
		clean[i] = lw
	}
	logTotal := floats.LogSumExp(clean)
	if math.IsInf(logTotal, -1) || math.IsNaN(logTotal) {
		return nil, 0, ErrDegenerate
	}
	weights := clean
	for i, lw := range clean {
		weights[i] = math.Exp(lw - logTotal)
	}
	return weights, logTotal, nil
}

// ESS is the effective sample size 1 / sum(w^2) of normalized weights.
func ESS(weights []float64) float64 {
	sumSq := floats.Dot(weights, weights)
	if sumSq == 0 {
		return 0
	}
	return 1 / sumSq
}

// Scheme draws n ancestor indices from normalized weights.
type Scheme func(rng *rand.Rand, weights []float64, n int) []int

func ByName(name string) (Scheme, error) {
	switch name {
	case "", "systematic":
		return Systematic, nil
	case "stratified":
		return Stratified, nil
	case "multinomial":
		return Multinomial, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, name)
	}
}

// Systematic uses a single offset u in [0, 1/n) and the evenly spaced points
// u + k/n over the cumulative weights.
func Systematic(rng *rand.Rand, weights []float64, n int) []int {
	u := rng.Float64() / float64(n)
	return SystematicWithOffset(weights, n, u)
}

// SystematicWithOffset is Systematic with an explicit offset u in [0, 1/n).
// Point p selects the lowest index i whose cumulative weight exceeds p.
func SystematicWithOffset(weights []float64, n int, u float64) []int {
	cum := cumulative(weights)
	out := make([]int, n)
	i := 0
	for k := range out {
		p := u + float64(k)/float64(n)
		for i < len(cum)-1 && cum[i] <= p {
			i++
		}
		out[k] = clampPositive(weights, i)
	}
	return out
}

// Stratified draws one independent uniform point per stratum [k/n, (k+1)/n).
func Stratified(rng *rand.Rand, weights []float64, n int) []int {
	cum := cumulative(weights)
	out := make([]int, n)
	i := 0
	for k := range out {
		p := (float64(k) + rng.Float64()) / float64(n)
		for i < len(cum)-1 && cum[i] <= p {
			i++
		}
		out[k] = clampPositive(weights, i)
	}
	return out
}

// Multinomial draws n independent points, sorted so the ancestor list is
// ordered like the other schemes.
func Multinomial(rng *rand.Rand, weights []float64, n int) []int {
	cum := cumulative(weights)
	points := make([]float64, n)
	for k := range points {
		points[k] = rng.Float64()
	}
	sort.Float64s(points)
	out := make([]int, n)
	i := 0
	for k, p := range points {
		for i < len(cum)-1 && cum[i] <= p {
			i++
		}
		out[k] = clampPositive(weights, i)
	}
	return out
}

func cumulative(weights []float64) []float64 {
	cum := make([]float64, len(weights))
	floats.CumSum(cum, weights)
	return cum
}

// clampPositive guards against a point falling past the last positive
// weight through rounding in the cumulative sum.
func clampPositive(weights []float64, i int) int {
	for i > 0 && weights[i] == 0 {
		i--
	}
	return i
}

// Validate checks that every entry of assignment addresses [0, n) and that
// the assignment has length n.
func Validate(assignment []int, n int) error {
	if len(assignment) != n {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidAssignment, len(assignment), n)
	}
	for k, src := range assignment {
		if src < 0 || src >= n {
			return fmt.Errorf("%w: slot %d references %d outside [0, %d)", ErrInvalidAssignment, k, src, n)
		}
	}
	return nil
}

// Counts returns how many times each source index was selected.
func Counts(assignment []int, n int) []int {
	counts := make([]int, n)
	for _, src := range assignment {
		counts[src]++
	}
	return counts
}
