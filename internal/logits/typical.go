package logits

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type typicalScratch struct {
	logp  []float64
	prob  []float64
	dist  []float64
	order []int
	cum   []float64
}

func (s *typicalScratch) grow(n int) {
	if cap(s.logp) >= n {
		s.logp = s.logp[:n]
		s.prob = s.prob[:n]
		s.dist = s.dist[:n]
		s.order = s.order[:n]
		s.cum = s.cum[:n]
		return
	}
	s.logp = make([]float64, n)
	s.prob = make([]float64, n)
	s.dist = make([]float64, n)
	s.order = make([]int, n)
	s.cum = make([]float64, n)
}

// TypicalFilter implements locally typical filtering. It returns a copy of
// scores in which every class outside the typical set is -Inf.
//
// Classes are ranked by |−log p − H|, the distance of their information
// content from the entropy H of softmax(scores). Walking that ranking, the
// softmax mass is accumulated until it first reaches mass; the class at that
// point fixes the cutoff distance and every class no farther than it is
// kept. The minTokens closest classes are always kept.
func TypicalFilter(scores []float32, mass float64, minTokens int) []float32 {
	out := slices.Clone(scores)
	var s typicalScratch
	typicalFilterInto(out, mass, minTokens, &s)
	return out
}

// TypicalSet returns the indices kept by TypicalFilter in ascending
// typicality-distance order.
func TypicalSet(scores []float32, mass float64, minTokens int) []int {
	filtered := TypicalFilter(scores, mass, minTokens)
	var s typicalScratch
	s.grow(len(scores))
	typicalDistances(scores, &s)
	rankByDistance(&s)
	kept := make([]int, 0, len(scores))
	for _, idx := range s.order {
		if !math.IsInf(float64(filtered[idx]), -1) {
			kept = append(kept, idx)
		}
	}
	return kept
}

func typicalFilterInto(scores []float32, mass float64, minTokens int, s *typicalScratch) {
	n := len(scores)
	if n == 0 {
		return
	}
	s.grow(n)
	if !typicalDistances(scores, s) {
		return
	}
	rankByDistance(s)

	// Cumulative softmax mass in ranked order.
	for i, idx := range s.order {
		s.cum[i] = s.prob[idx]
	}
	floats.CumSum(s.cum, s.cum)

	last := 0
	for _, c := range s.cum {
		if c < mass {
			last++
		}
	}
	// Rounding can leave the total just under mass=1.
	if last >= n {
		last = n - 1
	}
	cutoff := s.dist[s.order[last]]

	keep := min(max(minTokens, 1), n)
	for rank, idx := range s.order {
		if s.dist[idx] > cutoff && (minTokens <= 1 || rank >= keep) {
			scores[idx] = float32(math.Inf(-1))
		}
	}
}

// typicalDistances fills logp, prob and dist for scores. It reports false
// when no class has finite probability.
func typicalDistances(scores []float32, s *typicalScratch) bool {
	for i, v := range scores {
		s.logp[i] = float64(v)
	}
	lse := floats.LogSumExp(s.logp)
	if math.IsInf(lse, 0) || math.IsNaN(lse) {
		return false
	}
	for i := range s.logp {
		s.logp[i] -= lse
		s.prob[i] = math.Exp(s.logp[i])
	}
	// Zero-probability classes contribute nothing to the entropy.
	h := stat.Entropy(s.prob)
	for i, lp := range s.logp {
		s.dist[i] = math.Abs(-lp - h)
	}
	return true
}

// rankByDistance orders class indices by ascending distance, keeping the
// index order among ties.
func rankByDistance(s *typicalScratch) {
	for i := range s.order {
		s.order[i] = i
	}
	slices.SortStableFunc(s.order, func(a, b int) int {
		return cmp.Compare(s.dist[a], s.dist[b])
	})
}
