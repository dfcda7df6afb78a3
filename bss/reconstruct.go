package bss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// maxCondition is the largest condition number of SSᵀ accepted by Reconstruct.
const maxCondition = 1e12

// SentinelWavelength is the C-band radar wavelength in metres.
const SentinelWavelength = 0.056

const daysPerYear = 365.25

// Reconstruct fits the mean-centred observations x (N×L) with the spatial
// sources (K×L) by ordinary least squares, solving the normal equations
// (SSᵀ)m = Sxᵀ through a Cholesky factorisation.
func Reconstruct(sources, x *mat.Dense) (*ReconstructionResult, error) {
	k, l := sources.Dims()
	n, lx := x.Dims()
	if l != lx {
		return nil, fmt.Errorf("%w: sources have %d pixels, observations %d", ErrDimensionMismatch, l, lx)
	}
	if k > l {
		return nil, fmt.Errorf("%w: %d sources over %d pixels", ErrDegenerateSystem, k, l)
	}

	gram := mat.NewSymDense(k, nil)
	gram.SymOuterK(1, sources)

	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, fmt.Errorf("%w: SSᵀ is not positive definite", ErrDegenerateSystem)
	}
	if cond := chol.Cond(); math.IsNaN(cond) || cond > maxCondition {
		return nil, fmt.Errorf("%w: SSᵀ condition number %.3g", ErrDegenerateSystem, cond)
	}

	var rhs, m mat.Dense
	rhs.Mul(sources, x.T()) // K×N
	if err := chol.SolveTo(&m, &rhs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateSystem, err)
	}

	tcs := mat.DenseCopyOf(m.T()) // N×K
	model := mat.NewDense(n, l, nil)
	model.Mul(tcs, sources)
	resid := mat.NewDense(n, l, nil)
	resid.Sub(x, model)

	rowL2 := make([]float64, n)
	for i := 0; i < n; i++ {
		rowL2[i] = floats.Norm(resid.RawRowView(i), 2) / float64(l)
		if math.IsNaN(rowL2[i]) {
			return nil, fmt.Errorf("%w: non-finite residual in row %d", ErrDegenerateSystem, i)
		}
	}

	return &ReconstructionResult{
		TimeCourses: tcs,
		Model:       model,
		Residual:    resid,
		RowL2:       rowL2,
		MeanL2:      floats.Sum(rowL2) / float64(n),
	}, nil
}

// RescaleUnitRange divides every source row by its range (max - min) and
// multiplies the matching time-course column by the same factor, leaving
// tcs·sources unchanged. Constant rows are left as they are. tcs may be nil,
// in which case only the sources are rescaled.
func RescaleUnitRange(sources, tcs *mat.Dense) (*mat.Dense, *mat.Dense) {
	k, _ := sources.Dims()
	s := mat.DenseCopyOf(sources)
	var (
		t *mat.Dense
		n int
	)
	if tcs != nil {
		t = mat.DenseCopyOf(tcs)
		n, _ = t.Dims()
	}
	for i := 0; i < k; i++ {
		row := s.RawRowView(i)
		scale := floats.Max(row) - floats.Min(row)
		if scale == 0 {
			continue
		}
		floats.Scale(1/scale, row)
		for r := 0; r < n; r++ {
			t.Set(r, i, t.At(r, i)*scale)
		}
	}
	return s, t
}

// StackingVelocity estimates the mean velocity map of one source by stacking:
// every modelled observation tc[i]·source + means[i] is weighted by its
// temporal baseline, and the weighted phase sum divided by Σ baseline². The
// phase rate is converted to displacement in millimetres per baseline unit.
func StackingVelocity(source, timeCourse, means, baselines []float64, wavelength float64) ([]float64, error) {
	n := len(timeCourse)
	if len(baselines) != n || (means != nil && len(means) != n) {
		return nil, fmt.Errorf("%w: %d time-course entries, %d baselines, %d means", ErrDimensionMismatch, n, len(baselines), len(means))
	}
	sum := make([]float64, len(source))
	tt := 0.0
	for i := 0; i < n; i++ {
		off := 0.0
		if means != nil {
			off = means[i]
		}
		for j, v := range source {
			sum[j] += baselines[i] * (timeCourse[i]*v + off)
		}
		tt += baselines[i] * baselines[i]
	}
	if tt == 0 {
		return nil, fmt.Errorf("%w: all temporal baselines are zero", ErrDegenerateSystem)
	}
	floats.Scale(-wavelength/(4*math.Pi)*1000/tt, sum)
	return sum, nil
}
