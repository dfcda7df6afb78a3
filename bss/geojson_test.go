package bss

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geoResult() *Result {
	return &Result{
		ID:   "cv1geo",
		Mask: Mask{{false, true}, {false, false}},
		Sources: []ConsensusSource{
			{Iq: 0.9, Vector: []float64{1, 2, 3}},
			{Iq: 0.8, Vector: []float64{-1, 0, 1}},
		},
	}
}

func TestSourcesToFeatureCollection_Grid(t *testing.T) {
	fc, err := SourcesToFeatureCollection(geoResult(), nil, nil)
	require.NoError(t, err)
	require.Len(t, fc.Features, 4)

	footprint := fc.Features[0]
	assert.Equal(t, "footprint", footprint.Properties["kind"])
	assert.Equal(t, "cv1geo", footprint.Properties["id"])
	assert.Equal(t, 2, footprint.Properties["realized"])
	assert.Equal(t, "Polygon", footprint.Geometry.GeoJSONType())

	px := fc.Features[2]
	assert.Equal(t, orb.Point{0, 1}, px.Geometry)
	assert.Equal(t, 1, px.Properties["pixel"])
	assert.Equal(t, 2.0, px.Properties["source_0"])
	assert.Equal(t, 0.0, px.Properties["source_1"])
	assert.Equal(t, geojson.BBox{0, 0, 1, 1}, fc.BBox)

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	back, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, back.Features, 4)
}

func TestSourcesToFeatureCollection_LonLat(t *testing.T) {
	lons := []float64{10, 10.5, 11}
	lats := []float64{45, 45.2, 44.9}
	fc, err := SourcesToFeatureCollection(geoResult(), lons, lats)
	require.NoError(t, err)

	assert.Equal(t, orb.Point{11, 44.9}, fc.Features[3].Geometry)
	assert.Equal(t, geojson.BBox{10, 44.9, 11, 45.2}, fc.BBox)
}

func TestSourcesToFeatureCollection_Errors(t *testing.T) {
	_, err := SourcesToFeatureCollection(geoResult(), []float64{1}, []float64{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	r := geoResult()
	r.Sources[1].Vector = []float64{1}
	_, err = SourcesToFeatureCollection(r, nil, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = SourcesToFeatureCollection(&Result{}, nil, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
