package export

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MapState is the shareable viewport selection. Its string form is the
// compact "zoom/lat/lng" locator embedded in links; parse and serialize must
// round-trip.
type MapState struct {
	Zoom      float64
	Latitude  float64
	Longitude float64
}

// ParseMapState decodes a "zoom/lat/lng" locator. Returns false for any
// malformed or out-of-range input.
func ParseMapState(value string) (MapState, bool) {
	parts := strings.Split(value, "/")
	if len(parts) != 3 {
		return MapState{}, false
	}

	zoom, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return MapState{}, false
	}
	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return MapState{}, false
	}
	lng, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return MapState{}, false
	}

	if zoom < 0 || zoom > 22 || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return MapState{}, false
	}
	return MapState{Zoom: zoom, Latitude: lat, Longitude: lng}, true
}

// String serializes with reduced precision: zoom to 1 decimal, lat/lng to 5.
func (m MapState) String() string {
	zoom := math.Round(m.Zoom*10) / 10
	lat := math.Round(m.Latitude*100000) / 100000
	lng := math.Round(m.Longitude*100000) / 100000
	return fmt.Sprintf("%s/%s/%s",
		strconv.FormatFloat(zoom, 'f', -1, 64),
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lng, 'f', -1, 64),
	)
}
