package bss

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ---------------------------------------------------------------------------
// synthetic data
// ---------------------------------------------------------------------------

// bumpSources returns k Gaussian bumps on a side×side grid, one row each.
// Bumps sit far enough apart to be practically orthogonal.
func bumpSources(k, side int, sigma float64) *mat.Dense {
	centres := [][2]float64{
		{0.2, 0.2}, {0.2, 0.75}, {0.75, 0.2}, {0.75, 0.75}, {0.5, 0.5},
		{0.1, 0.5}, {0.9, 0.5}, {0.5, 0.1}, {0.5, 0.9},
	}
	s := mat.NewDense(k, side*side, nil)
	for c := 0; c < k; c++ {
		cy, cx := centres[c][0]*float64(side), centres[c][1]*float64(side)
		for i := 0; i < side; i++ {
			for j := 0; j < side; j++ {
				d2 := (float64(i)-cy)*(float64(i)-cy) + (float64(j)-cx)*(float64(j)-cx)
				s.Set(c, i*side+j, math.Exp(-d2/(2*sigma*sigma)))
			}
		}
	}
	return s
}

// mixSources returns tcs·sources + noise with N(0, noise²) entries.
func mixSources(sources *mat.Dense, n int, noise float64, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	k, l := sources.Dims()
	tcs := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			tcs.Set(i, j, rng.NormFloat64())
		}
	}
	x := mat.NewDense(n, l, nil)
	x.Mul(tcs, sources)
	for i := 0; i < n; i++ {
		for j := 0; j < l; j++ {
			x.Set(i, j, x.At(i, j)+noise*rng.NormFloat64())
		}
	}
	return x, tcs
}

func openMask(rows, cols int) Mask {
	m := make(Mask, rows)
	for i := range m {
		m[i] = make([]bool, cols)
	}
	return m
}

func absCorr(a, b []float64) float64 {
	return math.Abs(stat.Correlation(a, b, nil))
}

// bestMatch returns the highest |r| between truth and any row of got.
func bestMatch(truth []float64, got [][]float64) float64 {
	best := 0.0
	for _, g := range got {
		best = math.Max(best, absCorr(truth, g))
	}
	return best
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

func randomPool(rng *rand.Rand, m, l int) CandidatePool {
	pool := make(CandidatePool, m)
	for i := range pool {
		v := make([]float64, l)
		for j := range v {
			v[j] = rng.NormFloat64()
		}
		pool[i] = Candidate{Run: i / 3, Component: i % 3, Vector: v}
	}
	return pool
}
