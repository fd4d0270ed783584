package export

import (
	"github.com/paulmach/orb/geojson"
)

// InitialMapState derives a starting viewport for a feature: bounding-box
// center with a zoom stepped by the feature's extent.
func InitialMapState(feature *geojson.Feature) MapState {
	if feature == nil || feature.Geometry == nil {
		// Fallback viewport over the default review area.
		return MapState{Zoom: 12, Latitude: 52.5, Longitude: 13.4}
	}

	bound := feature.Geometry.Bound()
	center := bound.Center()

	width := bound.Max.Lon() - bound.Min.Lon()
	height := bound.Max.Lat() - bound.Min.Lat()
	maxDimension := width
	if height > maxDimension {
		maxDimension = height
	}

	zoom := 18.0
	switch {
	case maxDimension > 0.1:
		zoom = 10
	case maxDimension > 0.05:
		zoom = 12
	case maxDimension > 0.01:
		zoom = 14
	case maxDimension > 0.001:
		zoom = 16
	}

	return MapState{Zoom: zoom, Latitude: center.Lat(), Longitude: center.Lon()}
}
