package bss

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ---------------------------------------------------------------------------
// fixtures
// ---------------------------------------------------------------------------

// fixedSolver returns a copy of the same sources for every run.
type fixedSolver struct{ sources *mat.Dense }

func newFixedSolver(truth *mat.Dense) fixedSolver {
	c, _ := CenterRows(truth)
	return fixedSolver{sources: c}
}

func (s fixedSolver) Solve(_ context.Context, x *mat.Dense, k int, _ int64) (*Decomposition, error) {
	n, _ := x.Dims()
	return &Decomposition{
		Sources:    mat.DenseCopyOf(s.sources.Slice(0, k, 0, s.sources.RawMatrix().Cols)),
		Mixing:     mat.NewDense(n, k, nil),
		Iterations: 1,
	}, nil
}

// componentClusterer labels pooled candidates by component index.
type componentClusterer struct{ k int }

func (c componentClusterer) Cluster(_ context.Context, points *mat.Dense) ([]int, error) {
	n, _ := points.Dims()
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % c.k
	}
	return labels, nil
}

type noiseClusterer struct{}

func (noiseClusterer) Cluster(_ context.Context, points *mat.Dense) ([]int, error) {
	n, _ := points.Dims()
	labels := make([]int, n)
	for i := range labels {
		labels[i] = NoiseLabel
	}
	return labels, nil
}

// bumpDataset mixes k bumps on a side×side grid into n dated observations.
func bumpDataset(t *testing.T, k, side, n int, sigma, noise float64, seed int64) (*Dataset, *mat.Dense) {
	t.Helper()
	truth := bumpSources(k, side, sigma)
	x, _ := mixSources(truth, n, noise, rand.New(rand.NewSource(seed)))

	dates := make([]DatePair, n)
	start := day(t, "20200101")
	for i := range dates {
		dates[i] = DatePair{Start: start.AddDate(0, 0, 12*i), End: start.AddDate(0, 0, 12*(i+1))}
	}
	obs, err := NewObservations(x, openMask(side, side), dates)
	require.NoError(t, err)
	return &Dataset{Observations: obs}, truth
}

func smallConfig(k int) *Config {
	cfg := DefaultConfig()
	cfg.NComponents = k
	cfg.NBootstrappedRuns = 2
	cfg.NPlainRuns = 2
	cfg.ClusterMinSize = 2
	cfg.Workers = 2
	return cfg
}

// ---------------------------------------------------------------------------
// end to end
// ---------------------------------------------------------------------------

func TestPipeline_RecoversBumps(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline")
	}
	ds, truth := bumpDataset(t, 5, 24, 50, 1.2, 0.01, 21)

	cfg := DefaultConfig()
	cfg.NComponents = 5
	cfg.NBootstrappedRuns = 10
	cfg.NPlainRuns = 10
	cfg.ClusterMinSize = 8
	cfg.ClusterMinSamples = 5
	cfg.EmbeddingPerplexity = 10
	cfg.ICATolerance = 1e-4
	cfg.ICAMaxIter = 400
	cfg.MaxFailedRuns = 5
	cfg.Seed = 7
	cfg.Workers = 4

	res, err := NewPipeline(cfg).Run(context.Background(), ds)
	require.NoError(t, err)
	require.False(t, res.Empty)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 50, res.Observations)
	assert.Equal(t, 576, res.Pixels)
	assert.Len(t, res.Means, 50)
	assert.GreaterOrEqual(t, res.Diagnostics.Succeeded, 15)
	assert.Len(t, res.Pool, 5*res.Diagnostics.Succeeded)
	assert.Len(t, res.Assignment, len(res.Pool))

	require.Equal(t, 5, res.Realized())
	for i, s := range res.Sources {
		assert.Greater(t, s.Iq, 0.9, "cluster %d", i)
		if i > 0 {
			assert.GreaterOrEqual(t, res.Sources[i-1].Iq, s.Iq)
		}
	}

	got := make([][]float64, res.Realized())
	for i, s := range res.Sources {
		got[i] = s.Vector
	}
	for c := 0; c < 5; c++ {
		assert.Greater(t, bestMatch(truth.RawRowView(c), got), 0.95, "bump %d not recovered", c)
	}

	require.NotNil(t, res.Reconstruct)
	tr, tc := res.Reconstruct.TimeCourses.Dims()
	assert.Equal(t, 50, tr)
	assert.Equal(t, res.Realized(), tc)
	assert.Less(t, res.Reconstruct.MeanL2, 0.01)
	assert.Len(t, res.Labels, res.Realized())
}

func TestPipeline_Stubbed(t *testing.T) {
	ds, truth := bumpDataset(t, 2, 10, 8, 1.5, 0.001, 3)
	cfg := smallConfig(2)

	p := NewPipeline(cfg)
	p.Solver = newFixedSolver(truth)
	p.Embedder = zeroEmbedder{}
	p.Clusterer = componentClusterer{k: 2}

	res, err := p.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Realized())
	assert.Equal(t, 4, res.Diagnostics.Succeeded)
	for _, s := range res.Sources {
		assert.Equal(t, 4, s.Size)
		assert.Equal(t, 2, s.NBootstrapped)
		assert.InDelta(t, 1, s.Iq+maxOffDiagonal(truth), 1e-9)
	}
	assert.Less(t, res.Reconstruct.MeanL2, 1e-3)
	assert.Len(t, res.Labels, 2)

	// 12-day baselines, stacked in years
	years := make([]float64, 8)
	for i := range years {
		years[i] = 12 / 365.25
	}
	require.Len(t, res.Velocities, 2)
	for i, s := range res.Sources {
		want, err := StackingVelocity(s.Vector, mat.Col(nil, i, res.Reconstruct.TimeCourses), res.Means, years, SentinelWavelength)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, res.Velocities[i], 1e-9)
	}
}

// maxOffDiagonal is the |r| between the two rows of m.
func maxOffDiagonal(m *mat.Dense) float64 {
	return absCorr(m.RawRowView(0), m.RawRowView(1))
}

func TestPipeline_EmptyClusterSet(t *testing.T) {
	ds, truth := bumpDataset(t, 2, 10, 8, 1.5, 0.001, 3)
	p := NewPipeline(smallConfig(2))
	p.Solver = newFixedSolver(truth)
	p.Embedder = zeroEmbedder{}
	p.Clusterer = noiseClusterer{}

	res, err := p.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Equal(t, 0, res.Realized())
	assert.Nil(t, res.Reconstruct)
	assert.Len(t, res.Pool, 8)
}

func TestPipeline_DegenerateReconstruction(t *testing.T) {
	ds, _ := bumpDataset(t, 2, 10, 8, 1.5, 0.001, 3)
	p := NewPipeline(smallConfig(2))
	// two collinear sources
	p.Solver = &constSolver{}
	p.Embedder = zeroEmbedder{}
	p.Clusterer = componentClusterer{k: 2}

	res, err := p.Run(context.Background(), ds)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegenerateSystem)
	require.NotNil(t, res, "partial result is returned")
	assert.Equal(t, 2, res.Realized())
}

func TestPipeline_FailsFast(t *testing.T) {
	ds, _ := bumpDataset(t, 2, 10, 8, 1.5, 0.001, 3)

	cfg := smallConfig(2)
	cfg.NComponents = 0
	_, err := NewPipeline(cfg).Run(context.Background(), ds)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = smallConfig(9)
	_, err = NewPipeline(cfg).Run(context.Background(), ds)
	assert.ErrorIs(t, err, ErrDegenerateSystem)

	_, err = NewPipeline(smallConfig(2)).Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	literal := &Dataset{Observations: &Observations{Data: ds.Observations.Data, Dates: ds.Observations.Dates[:3]}}
	_, err = NewPipeline(smallConfig(2)).Run(context.Background(), literal)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	cfg = smallConfig(2)
	cfg.AllPairs = true
	ds.Observations.Dates = nil
	_, err = NewPipeline(cfg).Run(context.Background(), ds)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPipeline_AllPairs(t *testing.T) {
	ds, truth := bumpDataset(t, 2, 10, 5, 1.5, 0.001, 3)
	cfg := smallConfig(2)
	cfg.AllPairs = true

	p := NewPipeline(cfg)
	p.Solver = newFixedSolver(truth)
	p.Embedder = zeroEmbedder{}
	p.Clusterer = componentClusterer{k: 2}

	res, err := p.Run(context.Background(), ds)
	require.NoError(t, err)
	// 5 increments span 6 acquisitions: 15 pairs
	assert.Equal(t, 15, res.Observations)
	assert.Len(t, res.Dates, 15)
}

func TestPipeline_Cumulative(t *testing.T) {
	ds, truth := bumpDataset(t, 2, 10, 5, 1.5, 0.001, 3)
	cfg := smallConfig(2)
	cfg.Cumulative = true

	p := NewPipeline(cfg)
	p.Solver = newFixedSolver(truth)
	p.Embedder = zeroEmbedder{}
	p.Clusterer = componentClusterer{k: 2}

	res, err := p.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Observations)
	require.Len(t, res.Dates, 5)
	first := ds.Observations.Dates[0].Start
	for i, d := range res.Dates {
		assert.True(t, d.Start.Equal(first), "pair %d starts at the first acquisition", i)
		assert.True(t, d.End.Equal(ds.Observations.Dates[i].End))
	}
	assert.Len(t, res.Velocities, 2)

	ds.Observations.Dates = nil
	_, err = NewPipeline(cfg).Run(context.Background(), ds)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPipeline_TooManyFailedRuns(t *testing.T) {
	ds, _ := bumpDataset(t, 2, 10, 8, 1.5, 0.001, 3)
	cfg := smallConfig(2)
	cfg.MaxFailedRuns = 0

	p := NewPipeline(cfg)
	p.Solver = &constSolver{failFor: seedsFor(cfg.Seed, cfg.NBootstrappedRuns, 3)}
	_, err := p.Run(context.Background(), ds)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

// ---------------------------------------------------------------------------
// persistence
// ---------------------------------------------------------------------------

func TestSaveLoadResult(t *testing.T) {
	ds, truth := bumpDataset(t, 2, 10, 8, 1.5, 0.001, 3)
	p := NewPipeline(smallConfig(2))
	p.Solver = newFixedSolver(truth)
	p.Embedder = zeroEmbedder{}
	p.Clusterer = componentClusterer{k: 2}
	res, err := p.Run(context.Background(), ds)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out", "result.json")
	require.NoError(t, SaveResult(path, res))

	back, err := LoadResult(path)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, res.ID, back.ID)
	assert.Equal(t, res.Realized(), back.Realized())
	assert.Equal(t, res.Assignment, back.Assignment)
	assert.Equal(t, res.Means, back.Means)
	assert.Equal(t, res.Config.NComponents, back.Config.NComponents)
	assert.Len(t, back.Pool, len(res.Pool))
	assert.Nil(t, back.Pool[0].Vector, "candidate vectors are not persisted")
	assert.True(t, mat.EqualApprox(res.Reconstruct.TimeCourses, back.Reconstruct.TimeCourses, 1e-12))
	assert.True(t, mat.EqualApprox(res.SourceMatrix(), back.SourceMatrix(), 1e-12))
	assert.True(t, res.CreatedAt.Equal(back.CreatedAt))
	require.Len(t, back.Velocities, res.Realized())
	assert.InDeltaSlice(t, res.Velocities[0], back.Velocities[0], 1e-12)
}

func TestLoadResult_Missing(t *testing.T) {
	r, err := LoadResult(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(t, err)
	assert.Nil(t, r)
}
