package bss

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// similarityBlock is the number of rows correlated per matrix product.
const similarityBlock = 256

// Dissimilarity returns the M×M matrix 1 - |r| over the candidate vectors,
// computed as blocked products of the standardised vectors. The diagonal is
// exactly zero. Vectors with zero variance correlate 0 with everything else.
func Dissimilarity(ctx context.Context, pool CandidatePool, workers int) (*mat.SymDense, error) {
	m := len(pool)
	if m == 0 {
		return nil, fmt.Errorf("%w: empty candidate pool", ErrInsufficientData)
	}
	l := len(pool[0].Vector)
	if l == 0 {
		return nil, fmt.Errorf("%w: zero-length candidate vectors", ErrDimensionMismatch)
	}

	z := mat.NewDense(m, l, nil)
	for i, c := range pool {
		if len(c.Vector) != l {
			return nil, fmt.Errorf("%w: candidate %d (run %d, component %d) has length %d, want %d",
				ErrDimensionMismatch, i, c.Run, c.Component, len(c.Vector), l)
		}
		standardize(z.RawRowView(i), c.Vector)
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	d := mat.NewSymDense(m, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for r0 := 0; r0 < m; r0 += similarityBlock {
		r1 := min(r0+similarityBlock, m)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			// rows r0..r1 against rows r0..m: the upper triangle of this block's rows
			var corr mat.Dense
			corr.Mul(z.Slice(r0, r1, 0, l), z.Slice(r0, m, 0, l).T())
			for i := r0; i < r1; i++ {
				d.SetSym(i, i, 0)
				for j := i + 1; j < m; j++ {
					d.SetSym(i, j, clamp01(1-math.Abs(corr.At(i-r0, j-r0))))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

// standardize writes (v - mean) / (sd * sqrt(L)) into dst so that the dot
// product of two standardised rows is their Pearson correlation.
func standardize(dst, v []float64) {
	n := float64(len(v))
	mean := floats.Sum(v) / n
	ss := 0.0
	for _, x := range v {
		ss += (x - mean) * (x - mean)
	}
	if ss <= 0 || math.IsNaN(ss) {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	s := 1 / math.Sqrt(ss)
	for i, x := range v {
		dst[i] = (x - mean) * s
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Similarity converts a dissimilarity matrix back to |r|.
func Similarity(d mat.Symmetric) *mat.SymDense {
	n := d.SymmetricDim()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 1-d.At(i, j))
		}
	}
	return s
}
