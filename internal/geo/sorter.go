// Package geo holds the spatial-connectivity ordering used to sequence
// features for review, so a reviewer walks a physically contiguous path
// instead of jumping around the map.
package geo

import (
	"sort"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// Two line endpoints within this great-circle distance count as connected.
const connectToleranceMeters = 5.0

// FeatureID extracts the feature identity from properties.id, stringified
// when the source file carried a number.
func FeatureID(f *geojson.Feature) string {
	if f == nil || f.Properties == nil {
		return ""
	}
	switch v := f.Properties["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// SortByConnectivity reorders features by adjacency-graph connected
// components, largest component first, each component internally ordered by id
// string comparison. The output is a permutation of the input.
//
// Only LineString geometries participate in connectivity; everything else
// (and lines with no coordinates) stays in the output as a singleton
// component. The pairwise endpoint comparison is O(n²), which is fine for the
// hundreds-to-low-thousands of features this tool reviews but degrades
// quadratically beyond that.
func SortByConnectivity(features []*geojson.Feature) []*geojson.Feature {
	if len(features) == 0 {
		return features
	}

	adjacency := make([][]int, len(features))

	for i := 0; i < len(features); i++ {
		startA, endA, ok := lineEndpoints(features[i])
		if !ok {
			continue
		}
		for j := i + 1; j < len(features); j++ {
			startB, endB, ok := lineEndpoints(features[j])
			if !ok {
				continue
			}
			if endpointsConnect(startA, endA, startB, endB) {
				adjacency[i] = append(adjacency[i], j)
				adjacency[j] = append(adjacency[j], i)
			}
		}
	}

	// Connected components via depth-first traversal.
	visited := make([]bool, len(features))
	var components [][]int
	for i := range features {
		if visited[i] {
			continue
		}
		var component []int
		stack := []int{i}
		visited[i] = true
		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, node)
			for _, neighbor := range adjacency[node] {
				if !visited[neighbor] {
					visited[neighbor] = true
					stack = append(stack, neighbor)
				}
			}
		}
		components = append(components, component)
	}

	// Largest contiguous cluster first; discovery order breaks size ties.
	sort.SliceStable(components, func(a, b int) bool {
		return len(components[a]) > len(components[b])
	})

	sorted := make([]*geojson.Feature, 0, len(features))
	for _, component := range components {
		members := make([]*geojson.Feature, 0, len(component))
		for _, idx := range component {
			members = append(members, features[idx])
		}
		sort.Slice(members, func(a, b int) bool {
			return FeatureID(members[a]) < FeatureID(members[b])
		})
		sorted = append(sorted, members...)
	}
	return sorted
}

func lineEndpoints(f *geojson.Feature) (start, end orb.Point, ok bool) {
	line, isLine := f.Geometry.(orb.LineString)
	if !isLine || len(line) == 0 {
		return orb.Point{}, orb.Point{}, false
	}
	return line[0], line[len(line)-1], true
}

func endpointsConnect(startA, endA, startB, endB orb.Point) bool {
	if startA == startB || startA == endB || endA == startB || endA == endB {
		return true
	}
	return geo.DistanceHaversine(startA, startB) < connectToleranceMeters ||
		geo.DistanceHaversine(startA, endB) < connectToleranceMeters ||
		geo.DistanceHaversine(endA, startB) < connectToleranceMeters ||
		geo.DistanceHaversine(endA, endB) < connectToleranceMeters
}
