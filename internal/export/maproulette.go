package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"

	"linereview/api/internal/store"
)

// ExtractBaseName returns the common prefix of a _OLD/_NEW property pair, or
// false for any other key.
func ExtractBaseName(key string) (string, bool) {
	if strings.HasSuffix(key, "_OLD") || strings.HasSuffix(key, "_NEW") {
		return key[:len(key)-4], true
	}
	return "", false
}

type propertyChange struct {
	baseName string
	oldValue any
	newValue any
}

// BuildTaskDescription renders the human-readable MapRoulette task text for a
// flagged feature: the disputed property changes, deep links for the mapper,
// the judgements confirmed as correct, and the remaining untouched properties.
func BuildTaskDescription(feature *geojson.Feature, evaluation store.EvaluationRecord, regionSlug string) string {
	props := feature.Properties
	if props == nil {
		props = geojson.Properties{}
	}

	var parts []string
	parts = append(parts, "Prüfen, ob diese Änderungen korrekt sind.", "")

	baseNames := make([]string, 0, len(evaluation.PropertyEvaluations))
	for baseName := range evaluation.PropertyEvaluations {
		baseNames = append(baseNames, baseName)
	}
	sort.Strings(baseNames)

	var wrong, correct []propertyChange
	for _, baseName := range baseNames {
		change := propertyChange{
			baseName: baseName,
			oldValue: props[baseName+"_OLD"],
			newValue: props[baseName+"_NEW"],
		}
		if evaluation.PropertyEvaluations[baseName].Status == store.StatusWrong {
			wrong = append(wrong, change)
		} else {
			correct = append(correct, change)
		}
	}

	if len(wrong) > 0 {
		parts = append(parts, "**Korrigiere diese Eigenschaften:**", "")
		for _, change := range wrong {
			parts = append(parts,
				fmt.Sprintf("**%s** – WRONG", change.baseName),
				fmt.Sprintf("* OLD: `%s`", formatValue(change.oldValue)),
				fmt.Sprintf("* NEW: `%s`", formatValue(change.newValue)),
				"",
			)
		}
	}

	parts = append(parts, "**Links:**")
	if osmID, _ := props["osm_id"].(string); osmID != "" {
		if link := OSMLink(osmID); link != "" {
			parts = append(parts, fmt.Sprintf("* [OSM Link](%s)", link))
		}
	}
	if link := TildaLink(feature.Geometry, regionSlug); link != "" {
		parts = append(parts, fmt.Sprintf("* [TILDA Link](%s)", link))
	}
	imageLinked := false
	if evaluation.MapillaryID != "" {
		if link := MapillaryLink(evaluation.MapillaryID, feature.Geometry); link != "" {
			parts = append(parts, fmt.Sprintf("* [Mapillary Link (aus Evaluation)](%s) `%s`", link, evaluation.MapillaryID))
			imageLinked = true
		}
	}
	if propImage, _ := props["mapillary_id"].(string); propImage != "" && propImage != evaluation.MapillaryID {
		if link := MapillaryLink(propImage, feature.Geometry); link != "" {
			parts = append(parts, fmt.Sprintf("* [Mapillary Link (aus TILDA)](%s) `%s`", link, propImage))
			imageLinked = true
		}
	}
	if !imageLinked {
		// No specific photo known; point the mapper at the area instead.
		if link := MapillaryAreaLink(feature.Geometry); link != "" {
			parts = append(parts, fmt.Sprintf("* [Mapillary Link](%s)", link))
		}
	}
	parts = append(parts, "")

	if len(correct) > 0 {
		parts = append(parts, "Diese Eigenschaften wurden außerdem geprüft und als richtig markiert:")
		for _, change := range correct {
			parts = append(parts, fmt.Sprintf("* `%s`: %s -> %s",
				change.baseName, backticked(change.oldValue), backticked(change.newValue)))
		}
		parts = append(parts, "")
	}

	if other := remainingProperties(props); len(other) > 0 {
		parts = append(parts, "**Weitere Eigenschaften:**")
		for _, key := range other {
			parts = append(parts, fmt.Sprintf("* `%s`: `%s`", key, formatValue(props[key])))
		}
	}

	return strings.Join(parts, "\n")
}

// remainingProperties lists keys that are neither part of an _OLD/_NEW pair
// nor one of the special identity keys, sorted for stable output.
func remainingProperties(props geojson.Properties) []string {
	var keys []string
	for key := range props {
		switch key {
		case "id", "osm_id", "mapillary_id":
			continue
		}
		if _, isPair := ExtractBaseName(key); isPair {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case bool:
		return strconv.FormatBool(value)
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(encoded)
	}
}

func backticked(v any) string {
	if v == nil {
		return "`-`"
	}
	return "`" + formatValue(v) + "`"
}
