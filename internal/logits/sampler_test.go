package logits

import (
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/paella/internal/tensor"
)

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// TestStochasticArgmaxDeterminism ensures two identically seeded sources
// produce identical draws.
func TestStochasticArgmaxDeterminism(t *testing.T) {
	t.Parallel()
	scores := []float32{0, 1, 2, 3, 4, 5}
	a, b := newRNG(42), newRNG(42)
	for i := 0; i < 100; i++ {
		x := StochasticArgmax(a, scores, 0.9)
		y := StochasticArgmax(b, scores, 0.9)
		if x != y {
			t.Fatalf("draw %d: expected deterministic sample, got %d vs %d", i, x, y)
		}
	}
}

func TestStochasticArgmaxZeroTemperatureIsArgmax(t *testing.T) {
	t.Parallel()
	scores := []float32{-1, 5, 3, 7, 2}
	rng := newRNG(1)
	for i := 0; i < 50; i++ {
		if got := StochasticArgmax(rng, scores, 0); got != 3 {
			t.Fatalf("expected argmax index 3, got %d", got)
		}
	}
}

func TestStochasticArgmaxLowTemperatureConverges(t *testing.T) {
	t.Parallel()
	rng := newRNG(7)
	for trial := 0; trial < 200; trial++ {
		scores := make([]float32, 16)
		for i := range scores {
			scores[i] = rng.Float32() * 4
		}
		want := Argmax(scores)
		if got := StochasticArgmax(rng, scores, 1e-6); got != want {
			t.Fatalf("trial %d: low temperature sample %d, want argmax %d", trial, got, want)
		}
	}
}

func TestStochasticArgmaxMatchesSoftmax(t *testing.T) {
	t.Parallel()
	// softmax([0, ln 3]) = [0.25, 0.75]
	scores := []float32{0, float32(math.Log(3))}
	rng := newRNG(99)
	const n = 40000
	hits := 0
	for i := 0; i < n; i++ {
		if StochasticArgmax(rng, scores, 1) == 1 {
			hits++
		}
	}
	freq := float64(hits) / n
	if math.Abs(freq-0.75) > 0.015 {
		t.Fatalf("class 1 frequency = %.4f, want ~0.75", freq)
	}
}

func TestStochasticArgmaxSkipsNegInf(t *testing.T) {
	t.Parallel()
	ninf := float32(math.Inf(-1))
	scores := []float32{ninf, 0, ninf, 0}
	rng := newRNG(3)
	for i := 0; i < 500; i++ {
		got := StochasticArgmax(rng, scores, 5)
		if got != 1 && got != 3 {
			t.Fatalf("sampled filtered class %d", got)
		}
	}
}

// dyadic distribution: p = [1/2, 1/4, 1/8, 1/8], H = 1.75 bits.
// Typicality distances (in bits) are [0.75, 0.25, 1.25, 1.25].
func dyadicScores() []float32 {
	return []float32{
		float32(math.Log(0.5)),
		float32(math.Log(0.25)),
		float32(math.Log(0.125)),
		float32(math.Log(0.125)),
	}
}

func TestTypicalSet(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		mass      float64
		minTokens int
		want      []int
	}{
		{name: "cutoff at first class", mass: 0.2, minTokens: 1, want: []int{1}},
		{name: "cutoff at second class", mass: 0.5, minTokens: 1, want: []int{1, 0}},
		{name: "ties at cutoff kept", mass: 0.8, minTokens: 1, want: []int{1, 0, 2, 3}},
		{name: "full mass", mass: 1, minTokens: 1, want: []int{1, 0, 2, 3}},
		{name: "min tokens overrides mass", mass: 0.2, minTokens: 3, want: []int{1, 0, 2}},
		{name: "min tokens above label count", mass: 0.2, minTokens: 10, want: []int{1, 0, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := TypicalSet(dyadicScores(), tt.mass, tt.minTokens)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("TypicalSet mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTypicalFilterDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	in := dyadicScores()
	orig := slices.Clone(in)
	_ = TypicalFilter(in, 0.2, 1)
	if diff := cmp.Diff(orig, in); diff != "" {
		t.Fatalf("input modified (-want +got):\n%s", diff)
	}
}

// referenceTypical is a direct, unoptimised rendition of the cutoff rule used
// to cross-check the retained class set.
func referenceTypical(scores []float32, mass float64, minTokens int) map[int]bool {
	n := len(scores)
	maxv := math.Inf(-1)
	for _, v := range scores {
		maxv = math.Max(maxv, float64(v))
	}
	var z float64
	for _, v := range scores {
		z += math.Exp(float64(v) - maxv)
	}
	p := make([]float64, n)
	var h float64
	for i, v := range scores {
		p[i] = math.Exp(float64(v)-maxv) / z
		if p[i] > 0 {
			h -= p[i] * math.Log(p[i])
		}
	}
	dist := make([]float64, n)
	for i := range scores {
		dist[i] = math.Abs(-math.Log(p[i]) - h)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })

	var cum float64
	last := n - 1
	for rank, idx := range order {
		cum += p[idx]
		if cum >= mass {
			last = rank
			break
		}
	}
	cutoff := dist[order[last]]
	kept := make(map[int]bool)
	for rank, idx := range order {
		if dist[idx] <= cutoff || rank < minTokens {
			kept[idx] = true
		}
	}
	return kept
}

func TestTypicalFilterMatchesReference(t *testing.T) {
	t.Parallel()
	rng := newRNG(2024)
	for trial := 0; trial < 300; trial++ {
		n := 2 + rng.IntN(40)
		scores := make([]float32, n)
		for i := range scores {
			scores[i] = float32(rng.NormFloat64() * 3)
		}
		mass := 0.05 + rng.Float64()*0.9
		minTokens := 1 + rng.IntN(5)

		got := TypicalFilter(scores, mass, minTokens)
		want := referenceTypical(scores, mass, minTokens)

		kept := 0
		for i, v := range got {
			isKept := !math.IsInf(float64(v), -1)
			if isKept {
				kept++
				if v != scores[i] {
					t.Fatalf("trial %d: kept class %d changed score %v -> %v", trial, i, scores[i], v)
				}
			}
			if isKept != want[i] {
				t.Fatalf("trial %d: class %d kept=%v, reference kept=%v (mass=%.3f min=%d)", trial, i, isKept, want[i], mass, minTokens)
			}
		}
		floor := min(minTokens, n)
		if kept < floor {
			t.Fatalf("trial %d: kept %d classes, want at least %d", trial, kept, floor)
		}
		if removed := n - kept; removed > n-floor {
			t.Fatalf("trial %d: removed %d classes, at most %d allowed", trial, removed, n-floor)
		}
	}
}

func TestTypicalFilterHandlesNegInfInput(t *testing.T) {
	t.Parallel()
	ninf := float32(math.Inf(-1))
	scores := []float32{2, ninf, 1, ninf}
	got := TypicalFilter(scores, 0.9, 1)
	for _, v := range got {
		if math.IsNaN(float64(v)) {
			t.Fatalf("NaN in filtered scores: %v", got)
		}
	}
	if math.IsInf(float64(got[0]), -1) && math.IsInf(float64(got[2]), -1) {
		t.Fatalf("all finite classes removed: %v", got)
	}

	all := []float32{ninf, ninf}
	if diff := cmp.Diff(all, TypicalFilter(all, 0.5, 1)); diff != "" {
		t.Fatalf("all -Inf input changed (-want +got):\n%s", diff)
	}
}

func TestSampleGridFavoursDominantClass(t *testing.T) {
	t.Parallel()
	const k = 5
	l := tensor.NewLogits(2, 8, 3, 4)
	for b := 0; b < l.B; b++ {
		for y := 0; y < l.H; y++ {
			for x := 0; x < l.W; x++ {
				row := make([]float32, l.L)
				row[k] = 10
				l.SetRow(row, b, y, x)
			}
		}
	}
	for _, typical := range []bool{false, true} {
		s := NewSampler(newRNG(11), SamplerConfig{TypicalFiltering: typical})
		g := s.SampleGrid(l, 1e-6)
		for i, v := range g.Data {
			if v != k {
				t.Fatalf("typical=%v: position %d = %d, want %d", typical, i, v, k)
			}
		}
	}
}

func TestNewSamplerDefaults(t *testing.T) {
	t.Parallel()
	s := NewSampler(newRNG(0), SamplerConfig{TypicalMass: 3, TypicalMinTokens: -2})
	cfg := s.Config()
	if cfg.TypicalMass != DefaultTypicalMass {
		t.Fatalf("TypicalMass = %v, want %v", cfg.TypicalMass, DefaultTypicalMass)
	}
	if cfg.TypicalMinTokens != 1 {
		t.Fatalf("TypicalMinTokens = %d, want 1", cfg.TypicalMinTokens)
	}
}
