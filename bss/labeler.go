package bss

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	SignalDEM      = "dem"
	SignalBaseline = "baseline"
)

// Labeler tags consensus sources by correlating them with reference signals.
// It never modifies the sources.
type Labeler struct {
	Rules     []LabelRule
	MaxPixels int // DEM comparison subsample, 0 uses every pixel
	Seed      int64
}

// Label correlates each source with dem (one value per pixel, NaN for
// missing) and each time-course column with baselines (one per observation).
// Either reference may be nil.
func (lb *Labeler) Label(sources []ConsensusSource, tcs *mat.Dense, dem, baselines []float64) ([]Label, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	l := len(sources[0].Vector)
	if dem != nil && len(dem) != l {
		return nil, fmt.Errorf("%w: DEM has %d pixels, sources %d", ErrDimensionMismatch, len(dem), l)
	}
	if baselines != nil {
		if tcs == nil {
			return nil, fmt.Errorf("%w: baselines given without time courses", ErrDimensionMismatch)
		}
		if n, _ := tcs.Dims(); n != len(baselines) {
			return nil, fmt.Errorf("%w: %d baselines for %d observations", ErrDimensionMismatch, len(baselines), n)
		}
	}

	var pix []int
	if dem != nil {
		pix = lb.demPixels(dem)
	}

	labels := make([]Label, len(sources))
	for i, src := range sources {
		lab := Label{Source: i}
		if dem != nil {
			r := correlateAt(src.Vector, dem, pix)
			lab.DEMCorrelation = &r
		}
		if baselines != nil {
			r := finiteOrZero(stat.Correlation(mat.Col(nil, i, tcs), baselines, nil))
			lab.BaselineCorrelation = &r
		}
		lab.Label = lb.apply(lab)
		labels[i] = lab
	}
	return labels, nil
}

// apply returns the label of the first satisfied rule.
func (lb *Labeler) apply(lab Label) string {
	for _, rule := range lb.Rules {
		var r *float64
		switch rule.Signal {
		case SignalDEM:
			r = lab.DEMCorrelation
		case SignalBaseline:
			r = lab.BaselineCorrelation
		}
		if r != nil && math.Abs(*r) >= rule.MinAbsCorrelation {
			return rule.Label
		}
	}
	return ""
}

// demPixels picks the pixels with a DEM value, subsampled to MaxPixels.
func (lb *Labeler) demPixels(dem []float64) []int {
	var pix []int
	for j, v := range dem {
		if !math.IsNaN(v) {
			pix = append(pix, j)
		}
	}
	if lb.MaxPixels > 0 && len(pix) > lb.MaxPixels {
		rng := rand.New(rand.NewSource(lb.Seed))
		picked := sampleIndices(len(pix), lb.MaxPixels, rng)
		sub := make([]int, len(picked))
		for i, p := range picked {
			sub[i] = pix[p]
		}
		pix = sub
	}
	return pix
}

func correlateAt(a, b []float64, idx []int) float64 {
	if len(idx) < 2 {
		return 0
	}
	x := make([]float64, len(idx))
	y := make([]float64, len(idx))
	for i, j := range idx {
		x[i], y[i] = a[j], b[j]
	}
	return finiteOrZero(stat.Correlation(x, y, nil))
}

// finiteOrZero maps the NaN of a constant signal's correlation to 0.
func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
