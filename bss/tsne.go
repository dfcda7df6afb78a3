package bss

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Embedder maps a precomputed dissimilarity matrix to 2-D coordinates (M×2).
type Embedder interface {
	Embed(ctx context.Context, d *mat.SymDense, seed int64) (*mat.Dense, error)
}

// TSNE is exact t-SNE on a precomputed metric. Entries of the input matrix are
// used directly as squared distances.
type TSNE struct {
	Perplexity        float64
	Exaggeration      float64
	ExaggerationIters int
	MaxIter           int
	LearningRate      float64 // 0 picks max(n/exaggeration/4, 50)
}

// DefaultTSNE returns the embedding settings used by the reference workflow.
func DefaultTSNE() TSNE {
	return TSNE{
		Perplexity:        30,
		Exaggeration:      12,
		ExaggerationIters: 250,
		MaxIter:           1000,
	}
}

const (
	tsneSearchSteps = 100
	tsneSearchTol   = 1e-5
	tsneFloor       = 1e-12
	tsneCheckEvery  = 50
)

// Embed runs gradient descent from a seeded random start, so equal seeds give
// equal embeddings.
func (t TSNE) Embed(ctx context.Context, d *mat.SymDense, seed int64) (*mat.Dense, error) {
	n := d.SymmetricDim()
	if n == 0 {
		return nil, fmt.Errorf("%w: nothing to embed", ErrInsufficientData)
	}
	y := mat.NewDense(n, 2, nil)
	if n == 1 {
		return y, nil
	}
	if t.MaxIter < 1 {
		return nil, fmt.Errorf("%w: t-SNE needs at least one iteration", ErrInvalidConfig)
	}

	perp := t.Perplexity
	if limit := float64(n-1) / 3; perp > limit {
		perp = limit
	}
	if perp < 1 {
		perp = 1
	}
	exag := t.Exaggeration
	if exag < 1 {
		exag = 1
	}
	lr := t.LearningRate
	if lr <= 0 {
		lr = math.Max(float64(n)/exag/4, 50)
	}

	p := jointProbabilities(d, perp)

	rng := rand.New(rand.NewSource(seed))
	pos := y.RawMatrix().Data // row-major n×2
	for i := range pos {
		pos[i] = 1e-4 * rng.NormFloat64()
	}

	update := make([]float64, 2*n)
	gains := make([]float64, 2*n)
	for i := range gains {
		gains[i] = 1
	}
	grad := make([]float64, 2*n)

	for iter := 0; iter < t.MaxIter; iter++ {
		if iter%tsneCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		momentum, scale := 0.8, 1.0
		if iter < t.ExaggerationIters {
			momentum, scale = 0.5, exag
		}

		// Student-t kernel, evaluated twice instead of stored: once for the
		// normaliser and once for the gradient.
		sumQ := 0.0
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				sumQ += 2 * studentT(pos, i, j)
			}
		}

		for i := range grad {
			grad[i] = 0
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				num := studentT(pos, i, j)
				q := math.Max(num/sumQ, tsneFloor)
				f := 4 * (scale*p[i*n+j] - q) * num
				gx := f * (pos[2*i] - pos[2*j])
				gy := f * (pos[2*i+1] - pos[2*j+1])
				grad[2*i] += gx
				grad[2*i+1] += gy
				grad[2*j] -= gx
				grad[2*j+1] -= gy
			}
		}

		for i := range pos {
			if (grad[i] > 0) != (update[i] > 0) {
				gains[i] += 0.2
			} else {
				gains[i] *= 0.8
			}
			gains[i] = math.Max(gains[i], 0.01)
			update[i] = momentum*update[i] - lr*gains[i]*grad[i]
			pos[i] += update[i]
		}

		var mx, my float64
		for i := 0; i < n; i++ {
			mx += pos[2*i]
			my += pos[2*i+1]
		}
		mx /= float64(n)
		my /= float64(n)
		for i := 0; i < n; i++ {
			pos[2*i] -= mx
			pos[2*i+1] -= my
		}
	}
	return y, nil
}

// jointProbabilities returns the symmetrised affinity matrix (flattened n×n)
// whose conditional rows each have the given perplexity.
func jointProbabilities(d mat.Symmetric, perplexity float64) []float64 {
	n := d.SymmetricDim()
	cond := make([]float64, n*n)
	target := math.Log(perplexity)
	dist := make([]float64, n)

	for i := 0; i < n; i++ {
		dmin := math.Inf(1)
		for j := 0; j < n; j++ {
			dist[j] = d.At(i, j)
			if j != i && dist[j] < dmin {
				dmin = dist[j]
			}
		}
		row := cond[i*n : (i+1)*n]
		beta, lo, hi := 1.0, math.Inf(-1), math.Inf(1)
		for step := 0; step < tsneSearchSteps; step++ {
			sum, wsum := 0.0, 0.0
			for j := 0; j < n; j++ {
				if j == i {
					row[j] = 0
					continue
				}
				shifted := dist[j] - dmin
				row[j] = math.Exp(-shifted * beta)
				sum += row[j]
				wsum += shifted * row[j]
			}
			entropy := math.Log(sum) + beta*wsum/sum
			for j := range row {
				row[j] /= sum
			}
			diff := entropy - target
			if math.Abs(diff) < tsneSearchTol {
				break
			}
			if diff > 0 {
				lo = beta
				if math.IsInf(hi, 1) {
					beta *= 2
				} else {
					beta = (beta + hi) / 2
				}
			} else {
				hi = beta
				if math.IsInf(lo, -1) {
					beta /= 2
				} else {
					beta = (beta + lo) / 2
				}
			}
		}
	}

	// symmetrise in place; the diagonal stays zero
	p := cond
	norm := 2 * float64(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := math.Max((p[i*n+j]+p[j*n+i])/norm, tsneFloor)
			p[i*n+j], p[j*n+i] = v, v
		}
	}
	return p
}

// studentT is the heavy-tailed similarity 1/(1+|yi-yj|²) of two embedded
// points in the row-major n×2 position slice.
func studentT(pos []float64, i, j int) float64 {
	dx := pos[2*i] - pos[2*j]
	dy := pos[2*i+1] - pos[2*j+1]
	return 1 / (1 + dx*dx + dy*dy)
}
