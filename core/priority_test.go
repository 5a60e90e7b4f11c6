package core

import (
	"testing"

	"github.com/peterldowns/testy/check"
)

// mockRandSource provides a deterministic random source for testing
type mockRandSource struct {
	sequence []int
	index    int
}

func (m *mockRandSource) Intn(n int) int {
	if m.index >= len(m.sequence) {
		return 0
	}
	val := m.sequence[m.index] % n
	m.index++
	return val
}

func stateWithPriority(name string, priority float64) *BidState {
	s := NewBidState(&InterestGroup{Owner: "https://buyer.test", Name: name}, "")
	s.CalculatedPriority = priority
	return s
}

func names(states []*BidState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.Group.Name
	}
	return out
}

func TestMultiplyPriorityVector(t *testing.T) {
	vector := map[string]float64{"a": 2, "b": 3, "c": -1}
	signals := map[string]float64{"a": 0.5, "c": 7, "unused": 100}

	check.Equal(t, -6.0, MultiplyPriorityVector(vector, signals))
	check.Equal(t, 0.0, MultiplyPriorityVector(nil, signals))
	check.Equal(t, 0.3, MultiplyPriorityVector(map[string]float64{"x": 0.1}, map[string]float64{"x": 3}))
}

func TestPrioritySignals_BrowserSignalsWin(t *testing.T) {
	first := 4.0
	signals := PrioritySignals(2.5, &first,
		map[string]float64{"shared": 1, PrioritySignalOne: 9},
		map[string]float64{"shared": 2},
	)

	check.Equal(t, 2.0, signals["shared"])
	check.Equal(t, 1.0, signals[PrioritySignalOne])
	check.Equal(t, 2.5, signals[PrioritySignalBasePriority])
	check.Equal(t, 4.0, signals[PrioritySignalFirstDotProductPriority])

	withoutFirst := PrioritySignals(1, nil)
	_, ok := withoutFirst[PrioritySignalFirstDotProductPriority]
	check.False(t, ok)
}

func TestPriorityPasses(t *testing.T) {
	check.True(t, PriorityPasses(0))
	check.True(t, PriorityPasses(1.5))
	check.True(t, PriorityPasses(-0.0000001))
	check.False(t, PriorityPasses(-0.5))
	check.False(t, PriorityPasses(-1))
}

func TestRankBidStatesByPriority(t *testing.T) {
	states := []*BidState{
		stateWithPriority("low", 1),
		stateWithPriority("tie-a", 3),
		stateWithPriority("tie-b", 3),
		stateWithPriority("mid", 2),
	}

	swapped := RankBidStatesByPriority(states, &mockRandSource{sequence: []int{0}})
	check.Equal(t, []string{"tie-b", "tie-a", "mid", "low"}, names(swapped))

	kept := RankBidStatesByPriority(states, &mockRandSource{sequence: []int{1}})
	check.Equal(t, []string{"tie-a", "tie-b", "mid", "low"}, names(kept))

	// input order untouched
	check.Equal(t, []string{"low", "tie-a", "tie-b", "mid"}, names(states))
}

func TestRankBidStatesByPriority_Empty(t *testing.T) {
	check.Equal(t, 0, len(RankBidStatesByPriority(nil, nil)))
}

func TestSelectTopPriority(t *testing.T) {
	states := []*BidState{
		stateWithPriority("negative", -1),
		stateWithPriority("five", 5),
		stateWithPriority("two", 2),
		stateWithPriority("three", 3),
	}

	selected, dropped := SelectTopPriority(states, 2, nil)
	check.Equal(t, []string{"five", "three"}, names(selected))
	check.Equal(t, []string{"negative", "two"}, names(dropped))

	all, none := SelectTopPriority(states[1:], 0, nil)
	check.Equal(t, []string{"five", "three", "two"}, names(all))
	check.Equal(t, 0, len(none))
}
