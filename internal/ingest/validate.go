// Package ingest validates uploaded GeoJSON before it reaches the repository.
package ingest

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Profile selects which geometry types an upload may carry.
type Profile string

const (
	// ProfileLine accepts LineString and MultiLineString only.
	ProfileLine Profile = "line"
	// ProfileExtended additionally accepts Point, Polygon and MultiPolygon.
	ProfileExtended Profile = "extended"
)

func ParseProfile(value string) (Profile, bool) {
	switch Profile(value) {
	case ProfileLine, ProfileExtended:
		return Profile(value), true
	case "":
		return ProfileLine, true
	}
	return "", false
}

var osmIDPattern = regexp.MustCompile(`^(way|node|relation)/\d+$`)

// StripDiffHeader drops a leading non-JSON diff-style header: everything
// before the first line whose trimmed content starts with '{'.
func StripDiffHeader(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return data
	}
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("{")) {
			return bytes.Join(lines[i:], []byte("\n"))
		}
	}
	return data
}

// Validate decodes and checks an uploaded FeatureCollection against the
// profile. The returned failures enumerate every violated field; the
// collection is non-nil only when there are none.
//
// A feature missing its id property is not a validation failure: import
// handles that by exclusion-with-warning.
func Validate(data []byte, profile Profile) (*geojson.FeatureCollection, []string) {
	collection, err := geojson.UnmarshalFeatureCollection(StripDiffHeader(data))
	if err != nil {
		return nil, []string{fmt.Sprintf("invalid GeoJSON: %v", err)}
	}

	var failures []string
	if len(collection.Features) == 0 {
		failures = append(failures, "features: at least one feature is required")
	}

	for i, feature := range collection.Features {
		failures = append(failures, validateFeature(i, feature, profile)...)
	}

	if len(failures) > 0 {
		return nil, failures
	}
	return collection, nil
}

func validateFeature(index int, feature *geojson.Feature, profile Profile) []string {
	var failures []string
	fail := func(field, message string) {
		failures = append(failures, fmt.Sprintf("features[%d].%s: %s", index, field, message))
	}

	if feature.Geometry == nil {
		fail("geometry", "missing geometry")
		return failures
	}

	switch geometry := feature.Geometry.(type) {
	case orb.LineString:
		if len(geometry) < 2 {
			fail("geometry.coordinates", "LineString needs at least 2 positions")
		}
	case orb.MultiLineString:
		for l, line := range geometry {
			if len(line) < 2 {
				fail(fmt.Sprintf("geometry.coordinates[%d]", l), "LineString needs at least 2 positions")
			}
		}
	case orb.Point, orb.Polygon, orb.MultiPolygon:
		if profile != ProfileExtended {
			fail("geometry.type", fmt.Sprintf("%s not allowed by the %q profile", feature.Geometry.GeoJSONType(), profile))
		}
	default:
		fail("geometry.type", fmt.Sprintf("%s is not reviewable", feature.Geometry.GeoJSONType()))
	}

	if feature.Properties != nil {
		if raw, present := feature.Properties["id"]; present {
			switch raw.(type) {
			case string, float64, int:
			default:
				fail("properties.id", "must be a string or a number")
			}
		}
		if raw, present := feature.Properties["osm_id"]; present {
			osmID, isString := raw.(string)
			if !isString || !osmIDPattern.MatchString(osmID) {
				fail("properties.osm_id", `must be in format "way/123", "node/456", or "relation/789"`)
			}
		}
	}

	return failures
}
