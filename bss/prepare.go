package bss

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CenterRows subtracts each row's mean and returns the centred copy together
// with the removed means. The input is not modified.
func CenterRows(x *mat.Dense) (*mat.Dense, []float64) {
	r, _ := x.Dims()
	out := mat.DenseCopyOf(x)
	means := make([]float64, r)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		means[i] = floats.Sum(row) / float64(len(row))
		floats.AddConst(-means[i], row)
	}
	return out, means
}

// Center returns a copy of the observations with every row mean-centred and
// Means filled in.
func (o *Observations) Center() *Observations {
	data, means := CenterRows(o.Data)
	return &Observations{Data: data, Mask: o.Mask, Means: means, Dates: o.Dates}
}

// BootstrapRows draws n rows of x with replacement and returns the resampled
// matrix and the chosen row indices.
func BootstrapRows(x *mat.Dense, rng *rand.Rand) (*mat.Dense, []int) {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	idx := make([]int, r)
	for i := range idx {
		idx[i] = rng.Intn(r)
		out.SetRow(i, x.RawRowView(idx[i]))
	}
	return out, idx
}

// splitNetworks returns [start, end) row ranges of continuous sub-chains.
func splitNetworks(dates []DatePair) [][2]int {
	var nets [][2]int
	start := 0
	for i := 1; i < len(dates); i++ {
		if !dates[i-1].End.Equal(dates[i].Start) {
			nets = append(nets, [2]int{start, i})
			start = i
		}
	}
	return append(nets, [2]int{start, len(dates)})
}

// cumulative stacks a zero row on top of the running sum of rows [lo, hi).
func cumulative(increments *mat.Dense, lo, hi int) *mat.Dense {
	_, c := increments.Dims()
	cum := mat.NewDense(hi-lo+1, c, nil)
	for i := lo; i < hi; i++ {
		dst := cum.RawRowView(i - lo + 1)
		copy(dst, cum.RawRowView(i-lo))
		floats.Add(dst, increments.RawRowView(i))
	}
	return cum
}

func checkChain(increments *mat.Dense, dates []DatePair) error {
	r, _ := increments.Dims()
	if r == 0 {
		return fmt.Errorf("%w: empty daisy chain", ErrDimensionMismatch)
	}
	if len(dates) != r {
		return fmt.Errorf("%w: %d increments but %d date pairs", ErrDimensionMismatch, r, len(dates))
	}
	return nil
}

// ExpandAllPairs turns a daisy chain of incremental observations into every
// forward-in-time combination. The chain splits into independent networks
// wherever one pair's end date differs from the next pair's start date.
//
// When the number of combinations is below maxCount all of them are returned,
// network by network, ordered by end acquisition then start acquisition.
// Otherwise each network contributes floor(maxCount*share) combinations drawn
// uniformly without replacement, share being its fraction of the total.
func ExpandAllPairs(increments *mat.Dense, dates []DatePair, maxCount int, rng *rand.Rand) (*mat.Dense, []DatePair, error) {
	if err := checkChain(increments, dates); err != nil {
		return nil, nil, err
	}
	_, c := increments.Dims()
	nets := splitNetworks(dates)

	total := 0
	for _, n := range nets {
		k := n[1] - n[0]
		total += k * (k + 1) / 2
	}
	sample := total >= maxCount

	var rows [][]float64
	var pairs []DatePair
	for _, n := range nets {
		k := n[1] - n[0]
		cum := cumulative(increments, n[0], n[1])
		acq := acquisitions(dates[n[0]:n[1]])

		// lower triangle of the difference cube, row-major: (end, start) with start < end
		type pair struct{ start, end int }
		all := make([]pair, 0, k*(k+1)/2)
		for end := 1; end <= k; end++ {
			for start := 0; start < end; start++ {
				all = append(all, pair{start, end})
			}
		}

		chosen := all
		if sample {
			want := int(math.Floor(float64(maxCount) * float64(len(all)) / float64(total)))
			picked := sampleIndices(len(all), want, rng)
			chosen = make([]pair, len(picked))
			for i, p := range picked {
				chosen[i] = all[p]
			}
		}

		for _, p := range chosen {
			row := make([]float64, c)
			floats.SubTo(row, cum.RawRowView(p.end), cum.RawRowView(p.start))
			rows = append(rows, row)
			pairs = append(pairs, DatePair{Start: acq[p.start], End: acq[p.end]})
		}
	}

	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: combination cap %d leaves no pairs", ErrInsufficientData, maxCount)
	}
	out := mat.NewDense(len(rows), c, nil)
	for i, row := range rows {
		out.SetRow(i, row)
	}
	return out, pairs, nil
}

// sampleIndices draws k distinct indices from [0, n) and returns them sorted.
func sampleIndices(n, k int, rng *rand.Rand) []int {
	if k > n {
		k = n
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	out := perm[:k]
	sort.Ints(out)
	return out
}

// CumulativeFromDaisyChain returns each acquisition relative to the first one
// of its network: row i is the sum of increments up to and including i.
func CumulativeFromDaisyChain(increments *mat.Dense, dates []DatePair) (*mat.Dense, []DatePair, error) {
	if err := checkChain(increments, dates); err != nil {
		return nil, nil, err
	}
	r, c := increments.Dims()
	out := mat.NewDense(r, c, nil)
	pairs := make([]DatePair, 0, r)
	for _, n := range splitNetworks(dates) {
		cum := cumulative(increments, n[0], n[1])
		acq := acquisitions(dates[n[0]:n[1]])
		for i := n[0]; i < n[1]; i++ {
			out.SetRow(i, cum.RawRowView(i-n[0]+1))
			pairs = append(pairs, DatePair{Start: acq[0], End: acq[i-n[0]+1]})
		}
	}
	return out, pairs, nil
}

// VectorToGrid scatters a per-pixel vector back onto the mask grid; masked
// pixels are NaN.
func VectorToGrid(vec []float64, mask Mask) ([][]float64, error) {
	if valid := mask.ValidCount(); valid != len(vec) {
		return nil, fmt.Errorf("%w: vector length %d, mask has %d valid pixels", ErrDimensionMismatch, len(vec), valid)
	}
	grid := make([][]float64, len(mask))
	k := 0
	for i, row := range mask {
		grid[i] = make([]float64, len(row))
		for j, masked := range row {
			if masked {
				grid[i][j] = math.NaN()
				continue
			}
			grid[i][j] = vec[k]
			k++
		}
	}
	return grid, nil
}
