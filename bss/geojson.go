package bss

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// pixelCoordinates returns one point per valid pixel: lon/lat when given,
// otherwise (column, row) of the mask grid.
func pixelCoordinates(mask Mask, lons, lats []float64) (orb.MultiPoint, error) {
	valid := mask.ValidCount()
	if lons != nil {
		if len(lons) != valid || len(lats) != valid {
			return nil, fmt.Errorf("%w: %d lons and %d lats for %d pixels", ErrDimensionMismatch, len(lons), len(lats), valid)
		}
		pts := make(orb.MultiPoint, valid)
		for i := range pts {
			pts[i] = orb.Point{lons[i], lats[i]}
		}
		return pts, nil
	}

	pts := make(orb.MultiPoint, 0, valid)
	for i, row := range mask {
		for j, masked := range row {
			if !masked {
				pts = append(pts, orb.Point{float64(j), float64(i)})
			}
		}
	}
	return pts, nil
}

// SourcesToFeatureCollection exports the consensus sources as one Point
// feature per valid pixel, carrying the value of every source as
// "source_N", plus a footprint polygon with the result metadata.
func SourcesToFeatureCollection(r *Result, lons, lats []float64) (*geojson.FeatureCollection, error) {
	if r.Mask == nil {
		return nil, fmt.Errorf("%w: result has no mask", ErrDimensionMismatch)
	}
	pts, err := pixelCoordinates(r.Mask, lons, lats)
	if err != nil {
		return nil, err
	}
	for i, s := range r.Sources {
		if len(s.Vector) != len(pts) {
			return nil, fmt.Errorf("%w: source %d has %d pixels, mask %d", ErrDimensionMismatch, i, len(s.Vector), len(pts))
		}
	}

	fc := geojson.NewFeatureCollection()
	bound := pts.Bound()

	footprint := geojson.NewFeature(bound.ToPolygon())
	footprint.Properties["kind"] = "footprint"
	footprint.Properties["id"] = r.ID
	footprint.Properties["realized"] = r.Realized()
	iq := make([]float64, len(r.Sources))
	for i, s := range r.Sources {
		iq[i] = s.Iq
	}
	footprint.Properties["iq"] = iq
	fc.Append(footprint)

	for p, pt := range pts {
		f := geojson.NewFeature(pt)
		f.Properties["kind"] = "pixel"
		f.Properties["pixel"] = p
		for i, s := range r.Sources {
			f.Properties[fmt.Sprintf("source_%d", i)] = s.Vector[p]
		}
		fc.Append(f)
	}
	fc.BBox = geojson.NewBBox(bound)
	return fc, nil
}
