// Package export builds the external representations of reviewed data: deep
// links into OSM/TILDA/Mapillary, the MapRoulette task description, and the
// compact map-state locator.
package export

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/paulmach/orb"
)

var osmIDPattern = regexp.MustCompile(`^(way|node|relation)/(\d+)$`)

// FirstPoint returns the first coordinate of a line geometry.
func FirstPoint(geometry orb.Geometry) (orb.Point, bool) {
	switch g := geometry.(type) {
	case orb.LineString:
		if len(g) > 0 {
			return g[0], true
		}
	case orb.MultiLineString:
		if len(g) > 0 && len(g[0]) > 0 {
			return g[0][0], true
		}
	}
	return orb.Point{}, false
}

// OSMLink builds an openstreetmap.org link from an osm_id of the form
// "way/123", "node/456" or "relation/789". Empty when the id is malformed.
func OSMLink(osmID string) string {
	match := osmIDPattern.FindStringSubmatch(osmID)
	if match == nil {
		return ""
	}
	return fmt.Sprintf("https://www.openstreetmap.org/%s/%s", match[1], match[2])
}

// TildaLink deep-links into the TILDA viewer at the feature's first point.
// Empty without a region slug or a usable geometry.
func TildaLink(geometry orb.Geometry, regionSlug string) string {
	point, ok := FirstPoint(geometry)
	if !ok || regionSlug == "" {
		return ""
	}
	return fmt.Sprintf(
		"https://tilda-geo.de/regionen/%s?map=18.8/%s/%s&config=l6jzgk.5ount5.4&v=2&bg=areal2025-summer",
		regionSlug, formatCoord(point.Lat()), formatCoord(point.Lon()),
	)
}

// MapillaryLink opens the Mapillary viewer focused on a specific photo near
// the feature's first point.
func MapillaryLink(imageID string, geometry orb.Geometry) string {
	point, ok := FirstPoint(geometry)
	if !ok {
		return ""
	}
	return fmt.Sprintf(
		"https://www.mapillary.com/app/?lat=%s&lng=%s&z=18.8&panos=true&focus=photo&pKey=%s",
		formatCoord(point.Lat()), formatCoord(point.Lon()), imageID,
	)
}

// MapillaryAreaLink opens the Mapillary viewer at the feature's first point
// without focusing a photo.
func MapillaryAreaLink(geometry orb.Geometry) string {
	point, ok := FirstPoint(geometry)
	if !ok {
		return ""
	}
	return fmt.Sprintf(
		"https://www.mapillary.com/app/?lat=%s&lng=%s&z=18.8&panos=true&focus=photo",
		formatCoord(point.Lat()), formatCoord(point.Lon()),
	)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
