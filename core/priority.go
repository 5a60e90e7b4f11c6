package core

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
)

// Keys of the browser-provided priority signals.
const (
	PrioritySignalOne                     = "browserSignals.one"
	PrioritySignalBasePriority            = "browserSignals.basePriority"
	PrioritySignalFirstDotProductPriority = "browserSignals.firstDotProductPriority"
)

const priorityPrecision int32 = 6

// RandSource provides random number generation for tie-breaking.
// This interface enables dependency injection for deterministic testing.
type RandSource interface {
	// Intn returns a random integer in [0, n). Panics if n <= 0.
	Intn(n int) int
}

// cryptoRandSource wraps crypto/rand for production use
type cryptoRandSource struct{}

// Intn returns a cryptographically secure random integer in [0, n).
// Panics if n <= 0 (programmer error).
func (cryptoRandSource) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("cryptoRandSource.Intn: n must be positive, got %d", n))
	}
	// rand.Int does not error when using rand.Reader
	// https://pkg.go.dev/crypto/rand#Int
	nBig, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(nBig.Int64())
}

// defaultRandSource provides a cryptographically secure random source for production
var defaultRandSource RandSource = cryptoRandSource{}

// DefaultRandSource returns the production random source.
func DefaultRandSource() RandSource {
	return defaultRandSource
}

// MultiplyPriorityVector returns the sparse dot product of vector and
// signals. Keys missing from signals contribute nothing.
func MultiplyPriorityVector(vector, signals map[string]float64) float64 {
	sum := decimal.Zero
	for key, weight := range vector {
		signal, ok := signals[key]
		if !ok {
			continue
		}
		sum = sum.Add(decimal.NewFromFloat(weight).Mul(decimal.NewFromFloat(signal)))
	}
	result, _ := sum.Round(priorityPrecision).Float64()
	return result
}

// PrioritySignals merges the signals a priority vector is multiplied
// against. Later maps override earlier ones; browser signals are set last so
// they cannot be overridden.
func PrioritySignals(basePriority float64, firstDotProduct *float64, layers ...map[string]float64) map[string]float64 {
	signals := make(map[string]float64)
	for _, layer := range layers {
		for k, v := range layer {
			signals[k] = v
		}
	}
	signals[PrioritySignalOne] = 1
	signals[PrioritySignalBasePriority] = basePriority
	if firstDotProduct != nil {
		signals[PrioritySignalFirstDotProductPriority] = *firstDotProduct
	}
	return signals
}

// PriorityPasses reports whether a calculated priority lets the interest
// group participate. Negative priorities are filtered out; the comparison is
// rounded to avoid floating-point noise around zero.
func PriorityPasses(priority float64) bool {
	return decimal.NewFromFloat(priority).Round(priorityPrecision).GreaterThanOrEqual(decimal.Zero)
}

// RankBidStatesByPriority sorts states by CalculatedPriority, highest
// first, shuffling groups with equal priority. The input slice is not
// modified.
func RankBidStatesByPriority(states []*BidState, randSource RandSource) []*BidState {
	ranked := make([]*BidState, len(states))
	copy(ranked, states)
	if len(ranked) < 2 {
		return ranked
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CalculatedPriority > ranked[j].CalculatedPriority
	})

	// Use default crypto/rand source if none provided
	if randSource == nil {
		randSource = defaultRandSource
	}

	// Break ties randomly: shuffle groups of equal priority using Fisher-Yates
	i := 0
	for i < len(ranked) {
		priority := ranked[i].CalculatedPriority
		j := i + 1
		for j < len(ranked) && ranked[j].CalculatedPriority == priority {
			j++
		}

		if j-i > 1 {
			for k := j - 1; k > i; k-- {
				randIdx := i + randSource.Intn(k-i+1)
				ranked[k], ranked[randIdx] = ranked[randIdx], ranked[k]
			}
		}

		i = j
	}

	return ranked
}

// SelectTopPriority filters out states whose priority does not pass and
// returns at most limit of the rest, highest priority first. limit <= 0
// means unlimited.
func SelectTopPriority(states []*BidState, limit int, randSource RandSource) (selected, dropped []*BidState) {
	eligible := make([]*BidState, 0, len(states))
	for _, s := range states {
		if PriorityPasses(s.CalculatedPriority) {
			eligible = append(eligible, s)
		} else {
			dropped = append(dropped, s)
		}
	}

	ranked := RankBidStatesByPriority(eligible, randSource)
	if limit > 0 && len(ranked) > limit {
		dropped = append(dropped, ranked[limit:]...)
		ranked = ranked[:limit]
	}
	return ranked, dropped
}
