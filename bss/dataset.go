package bss

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Dataset is everything one pipeline invocation reads: the observations and
// the optional per-pixel reference data.
type Dataset struct {
	Observations *Observations
	DEM          []float64 // per valid pixel, NaN where unknown
	Lons         []float64 // per valid pixel
	Lats         []float64 // per valid pixel
}

type datasetJSON struct {
	Mixtures [][]float64 `json:"mixtures"`
	Mask     Mask        `json:"mask,omitempty"`
	Dates    []DatePair  `json:"dates,omitempty"`
	DEM      []*float64  `json:"dem,omitempty"`
	Lons     []float64   `json:"lons,omitempty"`
	Lats     []float64   `json:"lats,omitempty"`
}

// Validate checks the observations and that every per-pixel array matches
// the observation width.
func (d *Dataset) Validate() error {
	if d == nil || d.Observations == nil || d.Observations.Data == nil {
		return fmt.Errorf("%w: dataset has no observations", ErrDimensionMismatch)
	}
	if err := d.Observations.Validate(); err != nil {
		return err
	}
	_, l := d.Observations.Data.Dims()
	for name, v := range map[string][]float64{"dem": d.DEM, "lons": d.Lons, "lats": d.Lats} {
		if v != nil && len(v) != l {
			return fmt.Errorf("%w: %s has %d values for %d pixels", ErrDimensionMismatch, name, len(v), l)
		}
	}
	if (d.Lons == nil) != (d.Lats == nil) {
		return fmt.Errorf("%w: lons and lats must be given together", ErrDimensionMismatch)
	}
	return nil
}

// LoadDataset reads a JSON dataset file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset file: %w", err)
	}

	var raw datasetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing dataset file: %w", err)
	}

	mixtures, err := rowsToDense(raw.Mixtures)
	if err != nil {
		return nil, fmt.Errorf("dataset mixtures: %w", err)
	}
	if mixtures == nil {
		return nil, fmt.Errorf("%w: dataset has no mixtures", ErrDimensionMismatch)
	}
	obs, err := NewObservations(mixtures, raw.Mask, raw.Dates)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	ds := &Dataset{
		Observations: obs,
		DEM:          floatsFromNullable(raw.DEM),
		Lons:         raw.Lons,
		Lats:         raw.Lats,
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// SaveDataset writes the dataset in the format LoadDataset reads.
func SaveDataset(path string, ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating dataset directory: %w", err)
	}

	raw := datasetJSON{
		Mixtures: denseToRows(ds.Observations.Data),
		Mask:     ds.Observations.Mask,
		Dates:    ds.Observations.Dates,
		DEM:      nullableFloats(ds.DEM),
		Lons:     ds.Lons,
		Lats:     ds.Lats,
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshaling dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing dataset file: %w", err)
	}
	return nil
}
