package bss

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// eigenFloor is the smallest eigenvalue, relative to the largest, that still
// counts as signal during whitening.
const eigenFloor = 1e-10

// gaussLogCosh is E[log cosh(ν)] for a standard normal ν.
const gaussLogCosh = 0.3745672075

// saddlePasses bounds how often a converged solution is rotated out of a
// saddle point and refined again.
const saddlePasses = 3

// Decomposition is one ICA solution with x ≈ Mixing·Sources.
type Decomposition struct {
	Sources    *mat.Dense // k×L
	Mixing     *mat.Dense // n×k
	Iterations int
}

// ICASolver performs a single ICA run on a mean-centred n×L matrix.
// A solver that does not converge returns an error wrapping ErrConvergence.
type ICASolver interface {
	Solve(ctx context.Context, x *mat.Dense, k int, seed int64) (*Decomposition, error)
}

// FastICA is symmetric FastICA with the log-cosh contrast.
type FastICA struct {
	Tolerance float64
	MaxIter   int
}

// DefaultFastICA returns the solver settings used by the reference workflow.
func DefaultFastICA() FastICA {
	return FastICA{Tolerance: 1e-2, MaxIter: 150}
}

// Solve whitens x over its row covariance, keeps the k strongest directions
// and rotates them to maximise non-Gaussianity of the spatial signals.
func (f FastICA) Solve(ctx context.Context, x *mat.Dense, k int, seed int64) (*Decomposition, error) {
	n, l := x.Dims()
	if k < 1 || k > n {
		return nil, fmt.Errorf("%w: %d components requested from %d observations: %w", ErrConvergence, k, n, ErrDegenerateSystem)
	}

	u, d, err := whiten(x, k)
	if err != nil {
		return nil, err
	}

	// z = Λ^-1/2 Uᵀ x
	var z mat.Dense
	z.Mul(u.T(), x)
	for i := 0; i < k; i++ {
		row := z.RawRowView(i)
		s := 1 / math.Sqrt(d[i])
		for j := range row {
			row[j] *= s
		}
	}

	rng := rand.New(rand.NewSource(seed))
	w := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			w.Set(i, j, rng.NormFloat64())
		}
	}
	w, err = symDecorrelate(w)
	if err != nil {
		return nil, err
	}

	w, iter, err := f.iterate(ctx, w, &z)
	if err != nil {
		return nil, err
	}
	// Symmetric FastICA can stop where two rows are 45° mixtures of a pair of
	// sources; rotate such pairs apart and refine.
	for pass := 0; pass < saddlePasses && escapeSaddles(w, &z); pass++ {
		var more int
		if w, more, err = f.iterate(ctx, w, &z); err != nil {
			return nil, err
		}
		iter += more
	}

	sources := mat.NewDense(k, l, nil)
	sources.Mul(w, &z)

	// mixing = U·Λ^1/2·Wᵀ
	scaled := mat.DenseCopyOf(u)
	for j := 0; j < k; j++ {
		s := math.Sqrt(d[j])
		for i := 0; i < n; i++ {
			scaled.Set(i, j, scaled.At(i, j)*s)
		}
	}
	mixing := mat.NewDense(n, k, nil)
	mixing.Mul(scaled, w.T())

	return &Decomposition{Sources: sources, Mixing: mixing, Iterations: iter}, nil
}

// iterate runs the symmetric fixed-point update on the whitened z until the
// unmixing rows stop turning or MaxIter is spent.
func (f FastICA) iterate(ctx context.Context, w, z *mat.Dense) (*mat.Dense, int, error) {
	k, _ := w.Dims()
	_, l := z.Dims()
	var (
		wz, gz, w1, prod mat.Dense
		gpMean           = make([]float64, k)
		lim              = math.Inf(1)
		iter             int
	)
	for iter = 1; iter <= f.MaxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, iter, err
		}

		wz.Mul(w, z)
		gz.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, &wz)
		for i := 0; i < k; i++ {
			sum := 0.0
			for _, g := range gz.RawRowView(i) {
				sum += 1 - g*g
			}
			gpMean[i] = sum / float64(l)
		}

		// w1 = g(wz)·zᵀ/L - diag(E[g'(wz)])·w
		w1.Mul(&gz, z.T())
		w1.Scale(1/float64(l), &w1)
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				w1.Set(i, j, w1.At(i, j)-gpMean[i]*w.At(i, j))
			}
		}
		next, err := symDecorrelate(&w1)
		if err != nil {
			return nil, iter, err
		}

		prod.Mul(next, w.T())
		lim = 0
		for i := 0; i < k; i++ {
			lim = math.Max(lim, math.Abs(math.Abs(prod.At(i, i))-1))
		}
		w = next
		if lim < f.Tolerance {
			return w, iter, nil
		}
	}
	return nil, f.MaxIter, fmt.Errorf("%w: tolerance %g not reached after %d iterations (last change %.3g)", ErrConvergence, f.Tolerance, f.MaxIter, lim)
}

// escapeSaddles replaces every pair of unmixing rows whose 45° rotation has a
// larger log-cosh contrast by that rotation. w stays orthonormal. It reports
// whether any pair was rotated.
func escapeSaddles(w, z *mat.Dense) bool {
	k, _ := w.Dims()
	var y mat.Dense
	y.Mul(w, z)
	_, l := y.Dims()

	contrast := make([]float64, k)
	for i := range contrast {
		contrast[i] = logCoshContrast(y.RawRowView(i))
	}

	sum := make([]float64, l)
	diff := make([]float64, l)
	changed := false
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			yi, yj := y.RawRowView(i), y.RawRowView(j)
			for t := range sum {
				sum[t] = (yi[t] + yj[t]) / math.Sqrt2
				diff[t] = (yi[t] - yj[t]) / math.Sqrt2
			}
			cs, cd := logCoshContrast(sum), logCoshContrast(diff)
			if cs+cd <= contrast[i]+contrast[j] {
				continue
			}
			copy(yi, sum)
			copy(yj, diff)
			contrast[i], contrast[j] = cs, cd
			wi, wj := w.RawRowView(i), w.RawRowView(j)
			for t := range wi {
				wi[t], wj[t] = (wi[t]+wj[t])/math.Sqrt2, (wi[t]-wj[t])/math.Sqrt2
			}
			changed = true
		}
	}
	return changed
}

// logCoshContrast is the negentropy approximation (E[G(y)] - E[G(ν)])² with
// G = log cosh, for a zero-mean unit-variance signal y.
func logCoshContrast(y []float64) float64 {
	sum := 0.0
	for _, v := range y {
		a := math.Abs(v)
		sum += a + math.Log1p(math.Exp(-2*a)) - math.Ln2
	}
	d := sum/float64(len(y)) - gaussLogCosh
	return d * d
}

// whiten returns the k leading eigenvectors (n×k) and eigenvalues of the row
// covariance of x, strongest first.
func whiten(x *mat.Dense, k int) (*mat.Dense, []float64, error) {
	n, l := x.Dims()
	cov := mat.NewSymDense(n, nil)
	cov.SymOuterK(1/float64(l), x)

	var es mat.EigenSym
	if ok := es.Factorize(cov, true); !ok {
		return nil, nil, fmt.Errorf("%w: covariance eigendecomposition failed", ErrConvergence)
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	top := vals[n-1]
	u := mat.NewDense(n, k, nil)
	d := make([]float64, k)
	for j := 0; j < k; j++ {
		src := n - 1 - j
		if top <= 0 || vals[src] <= eigenFloor*top {
			return nil, nil, fmt.Errorf("%w: only %d of %d requested components have positive variance: %w", ErrConvergence, j, k, ErrDegenerateSystem)
		}
		d[j] = vals[src]
		for i := 0; i < n; i++ {
			u.Set(i, j, vecs.At(i, src))
		}
	}
	return u, d, nil
}

// symDecorrelate returns (W·Wᵀ)^-1/2·W.
func symDecorrelate(w *mat.Dense) (*mat.Dense, error) {
	k, _ := w.Dims()
	s := mat.NewSymDense(k, nil)
	s.SymOuterK(1, w)

	var es mat.EigenSym
	if ok := es.Factorize(s, true); !ok {
		return nil, fmt.Errorf("%w: decorrelation eigendecomposition failed", ErrConvergence)
	}
	vals := es.Values(nil)
	var e mat.Dense
	es.VectorsTo(&e)

	inv := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		if vals[i] <= 0 {
			return nil, fmt.Errorf("%w: singular unmixing matrix", ErrConvergence)
		}
		inv.Set(i, i, 1/math.Sqrt(vals[i]))
	}
	var tmp, isqrt mat.Dense
	tmp.Mul(&e, inv)
	isqrt.Mul(&tmp, e.T())

	out := mat.NewDense(k, k, nil)
	out.Mul(&isqrt, w)
	return out, nil
}
