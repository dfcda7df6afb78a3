package bss

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ---------------------------------------------------------------------------
// CenterRows
// ---------------------------------------------------------------------------

func TestCenterRows(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		10, 10, 16,
	})
	c, means := CenterRows(x)

	assert.Equal(t, []float64{2, 12}, means)
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, c.RawRowView(0), 1e-12)
	assert.InDeltaSlice(t, []float64{-2, -2, 4}, c.RawRowView(1), 1e-12)
	assert.Equal(t, 1.0, x.At(0, 0), "input must not be modified")
}

func TestObservationsCenter(t *testing.T) {
	obs, err := NewObservations(mat.NewDense(1, 2, []float64{3, 5}), openMask(1, 2), nil)
	require.NoError(t, err)

	c := obs.Center()
	assert.Equal(t, []float64{4}, c.Means)
	assert.Nil(t, obs.Means)
}

func TestNewObservations_Shape(t *testing.T) {
	mask := Mask{{false, true}, {false, false}}

	_, err := NewObservations(mat.NewDense(2, 3, nil), mask, nil)
	assert.NoError(t, err)

	_, err = NewObservations(mat.NewDense(2, 4, nil), mask, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = NewObservations(mat.NewDense(2, 3, nil), mask, []DatePair{{}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = NewObservations(mat.NewDense(1, 3, nil), Mask{{false, false}, {false}}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

// ---------------------------------------------------------------------------
// ExpandAllPairs
// ---------------------------------------------------------------------------

func chainDates(t *testing.T, ds ...string) []DatePair {
	t.Helper()
	var out []DatePair
	for i := 1; i < len(ds); i++ {
		out = append(out, DatePair{Start: day(t, ds[i-1]), End: day(t, ds[i])})
	}
	return out
}

func TestExpandAllPairs_ThreeAcquisitions(t *testing.T) {
	// two increments D0->D1, D1->D2 give three pairs
	inc := mat.NewDense(2, 2, []float64{
		1, 2,
		10, 20,
	})
	dates := chainDates(t, "20200101", "20200113", "20200125")

	out, pairs, err := ExpandAllPairs(inc, dates, 1000, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	assert.Equal(t, "20200101_20200113", pairs[0].String())
	assert.Equal(t, "20200101_20200125", pairs[1].String())
	assert.Equal(t, "20200113_20200125", pairs[2].String())

	assert.Equal(t, []float64{1, 2}, out.RawRowView(0))
	assert.Equal(t, []float64{11, 22}, out.RawRowView(1))
	assert.Equal(t, []float64{10, 20}, out.RawRowView(2))
}

func TestExpandAllPairs_SplitsNetworks(t *testing.T) {
	inc := mat.NewDense(3, 1, []float64{1, 2, 4})
	dates := append(chainDates(t, "20200101", "20200113", "20200125"),
		DatePair{Start: day(t, "20200301"), End: day(t, "20200313")})

	out, pairs, err := ExpandAllPairs(inc, dates, 1000, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	// 3 pairs from the first network, 1 from the second; none across the gap
	require.Len(t, pairs, 4)
	assert.Equal(t, "20200301_20200313", pairs[3].String())
	assert.Equal(t, 4.0, out.At(3, 0))
}

func TestExpandAllPairs_Sampling(t *testing.T) {
	// 10 increments -> 55 pairs, capped at 20
	n := 10
	inc := mat.NewDense(n, 1, nil)
	acq := make([]string, n+1)
	for i := range acq {
		acq[i] = day(t, "20200101").AddDate(0, 0, 12*i).Format(dateLayout)
	}
	for i := 0; i < n; i++ {
		inc.Set(i, 0, float64(i+1))
	}
	dates := chainDates(t, acq...)

	out, pairs, err := ExpandAllPairs(inc, dates, 20, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	rows, _ := out.Dims()
	assert.Equal(t, 20, rows)
	assert.Len(t, pairs, 20)

	seen := make(map[string]bool)
	for i, p := range pairs {
		assert.False(t, seen[p.String()], "pair %s sampled twice", p)
		seen[p.String()] = true
		assert.True(t, p.Start.Before(p.End))

		// value is the sum of the spanned increments
		want := 0.0
		for j, d := range dates {
			if !d.Start.Before(p.Start) && !d.End.After(p.End) {
				want += inc.At(j, 0)
			}
		}
		assert.Equal(t, want, out.At(i, 0))
	}
}

func TestExpandAllPairs_Errors(t *testing.T) {
	_, _, err := ExpandAllPairs(mat.NewDense(2, 1, nil), chainDates(t, "20200101", "20200113"), 10, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = ExpandAllPairs(mat.NewDense(1, 1, nil), chainDates(t, "20200101", "20200113"), 0, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestCumulativeFromDaisyChain(t *testing.T) {
	inc := mat.NewDense(3, 1, []float64{1, 2, 3})
	dates := chainDates(t, "20200101", "20200113", "20200125", "20200206")

	cum, pairs, err := CumulativeFromDaisyChain(inc, dates)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3, 6}, mat.Col(nil, 0, cum))
	for _, p := range pairs {
		assert.Equal(t, "20200101", p.Start.Format(dateLayout))
	}
	assert.Equal(t, "20200206", pairs[2].End.Format(dateLayout))
}

// ---------------------------------------------------------------------------
// BootstrapRows / VectorToGrid
// ---------------------------------------------------------------------------

func TestBootstrapRows(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{0, 0, 1, 1, 2, 2, 3, 3})
	out, idx := BootstrapRows(x, rand.New(rand.NewSource(5)))

	r, c := out.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)
	for i, j := range idx {
		assert.Equal(t, x.RawRowView(j), out.RawRowView(i))
	}

	again, idx2 := BootstrapRows(x, rand.New(rand.NewSource(5)))
	assert.Equal(t, idx, idx2)
	assert.True(t, mat.Equal(out, again))
}

func TestVectorToGrid(t *testing.T) {
	mask := Mask{{false, true}, {false, false}}
	grid, err := VectorToGrid([]float64{1, 2, 3}, mask)
	require.NoError(t, err)

	assert.Equal(t, 1.0, grid[0][0])
	assert.True(t, math.IsNaN(grid[0][1]))
	assert.Equal(t, []float64{2, 3}, grid[1])

	_, err = VectorToGrid([]float64{1}, mask)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSampleIndices(t *testing.T) {
	got := sampleIndices(10, 4, rand.New(rand.NewSource(2)))
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
	assert.Len(t, sampleIndices(3, 10, rand.New(rand.NewSource(2))), 3)
}
