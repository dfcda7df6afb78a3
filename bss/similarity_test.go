package bss

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDissimilarity_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pool := randomPool(rng, 40, 25)

	d, err := Dissimilarity(context.Background(), pool, 3)
	require.NoError(t, err)
	require.Equal(t, 40, d.SymmetricDim())

	for i := 0; i < 40; i++ {
		assert.Equal(t, 0.0, d.At(i, i))
		for j := 0; j < 40; j++ {
			v := d.At(i, j)
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
			assert.Equal(t, v, d.At(j, i))
		}
	}

	// matches a direct Pearson computation
	assert.InDelta(t, 1-absCorr(pool[3].Vector, pool[17].Vector), d.At(3, 17), 1e-12)
}

func TestDissimilarity_SignInvariant(t *testing.T) {
	v := []float64{1, 4, 2, 8, 5}
	neg := make([]float64, len(v))
	scaled := make([]float64, len(v))
	for i, x := range v {
		neg[i] = -x
		scaled[i] = 3*x + 7
	}
	pool := CandidatePool{{Vector: v}, {Vector: neg}, {Vector: scaled}}

	d, err := Dissimilarity(context.Background(), pool, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0, d.At(0, 1), 1e-12)
	assert.InDelta(t, 0, d.At(0, 2), 1e-12)
	assert.InDelta(t, 0, d.At(1, 2), 1e-12)
}

func TestDissimilarity_ZeroVariance(t *testing.T) {
	pool := CandidatePool{{Vector: []float64{2, 2, 2}}, {Vector: []float64{1, 2, 3}}}
	d, err := Dissimilarity(context.Background(), pool, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.At(0, 1))
	assert.Equal(t, 0.0, d.At(0, 0))
}

func TestDissimilarity_SpansBlocks(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	pool := randomPool(rng, similarityBlock+10, 6)

	d, err := Dissimilarity(context.Background(), pool, 2)
	require.NoError(t, err)
	last := similarityBlock + 5
	assert.InDelta(t, 1-absCorr(pool[1].Vector, pool[last].Vector), d.At(1, last), 1e-12)
	assert.InDelta(t, 1-absCorr(pool[last].Vector, pool[last+2].Vector), d.At(last+2, last), 1e-12)
}

func TestDissimilarity_Errors(t *testing.T) {
	_, err := Dissimilarity(context.Background(), nil, 1)
	assert.ErrorIs(t, err, ErrInsufficientData)

	pool := CandidatePool{{Vector: []float64{1, 2}}, {Vector: []float64{1, 2, 3}}}
	_, err = Dissimilarity(context.Background(), pool, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSimilarity(t *testing.T) {
	pool := CandidatePool{{Vector: []float64{1, 2, 3}}, {Vector: []float64{3, 1, 2}}}
	d, err := Dissimilarity(context.Background(), pool, 1)
	require.NoError(t, err)

	s := Similarity(d)
	assert.Equal(t, 1.0, s.At(0, 0))
	assert.InDelta(t, absCorr(pool[0].Vector, pool[1].Vector), s.At(0, 1), 1e-12)
}
