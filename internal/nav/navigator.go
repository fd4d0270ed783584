// Package nav tracks what the reviewer is currently looking at: the current
// feature, the session-scoped imagery and source choices, and the imagery
// recency filters. Nothing here is persisted; the repository stays the single
// source of truth and this package only holds refreshed projections.
package nav

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/paulmach/orb/geojson"

	"linereview/api/internal/geo"
	"linereview/api/internal/store"
)

var ErrUnknownFeature = errors.New("unknown feature id")

// Repository is the slice of the evaluation service the navigator needs.
type Repository interface {
	AllFeatures(ctx context.Context) ([]*geojson.Feature, error)
	UnevaluatedFeatures(ctx context.Context) ([]*geojson.Feature, error)
	Evaluation(ctx context.Context, featureID string) (*store.EvaluationRecord, error)
}

// TimePeriods are the independent imagery-recency toggles. They are not
// mutually exclusive.
type TimePeriods struct {
	SixMonths  bool `json:"sixMonths"`
	OneYear    bool `json:"oneYear"`
	TwoYears   bool `json:"twoYears"`
	ThreeYears bool `json:"threeYears"`
	Older      bool `json:"older"`
}

// State is a read-only snapshot of the navigator for the UI.
type State struct {
	CurrentFeatureID string                 `json:"currentFeatureId"`
	SelectedImageID  string                 `json:"selectedImageId,omitempty"`
	Source           store.EvaluationSource `json:"source"`
	TimePeriods      TimePeriods            `json:"timePeriods"`
	TotalFeatures    int                    `json:"totalFeatures"`
}

// Navigator is constructed once at startup and injected into the HTTP layer;
// tests build a fresh one per case. Handlers run concurrently, so state is
// guarded by a mutex.
type Navigator struct {
	repo Repository

	mu          sync.Mutex
	features    []*geojson.Feature
	currentID   string
	imageID     string
	source      store.EvaluationSource
	timePeriods TimePeriods
}

func New(repo Repository) *Navigator {
	return &Navigator{
		repo:        repo,
		source:      store.SourceAerialImagery,
		timePeriods: TimePeriods{OneYear: true},
	}
}

// Refresh reloads the feature projection from the repository. Called after
// every mutation that could invalidate it.
func (n *Navigator) Refresh(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refreshLocked(ctx)
}

func (n *Navigator) refreshLocked(ctx context.Context) error {
	features, err := n.repo.AllFeatures(ctx)
	if err != nil {
		return err
	}
	n.features = features
	if n.currentID != "" && n.indexOfLocked(n.currentID) == -1 {
		n.currentID = ""
		n.imageID = ""
		n.source = store.SourceAerialImagery
	}
	return nil
}

func (n *Navigator) indexOfLocked(featureID string) int {
	for i, feature := range n.features {
		if geo.FeatureID(feature) == featureID {
			return i
		}
	}
	return -1
}

// Select makes a feature current. The session image selection always resets
// to empty and the evaluation source is re-derived in the same call, so the
// UI never sees a stale source: a stored evaluation's source wins, otherwise
// a feature referencing a street-level image defaults to mapillary and
// everything else to aerial. A stored evaluation never restores the session
// image; that choice stays per-visit.
func (n *Navigator) Select(ctx context.Context, featureID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.refreshLocked(ctx); err != nil {
		return err
	}
	return n.selectLocked(ctx, featureID)
}

func (n *Navigator) selectLocked(ctx context.Context, featureID string) error {
	index := n.indexOfLocked(featureID)
	if index == -1 {
		return ErrUnknownFeature
	}
	feature := n.features[index]

	n.currentID = featureID
	n.imageID = ""

	evaluation, err := n.repo.Evaluation(ctx, featureID)
	if err != nil {
		return err
	}
	if evaluation != nil {
		n.source = evaluation.Source
	} else {
		n.source = defaultSource(feature)
	}
	return nil
}

func defaultSource(feature *geojson.Feature) store.EvaluationSource {
	if feature.Properties != nil {
		if imageID, _ := feature.Properties["mapillary_id"].(string); imageID != "" {
			return store.SourceMapillary
		}
	}
	return store.SourceAerialImagery
}

// Next steps forward one position in the full canonical order, wrapping at
// the end, regardless of evaluation status.
func (n *Navigator) Next(ctx context.Context) (string, error) {
	return n.step(ctx, 1)
}

// Prev steps back one position, wrapping at the start.
func (n *Navigator) Prev(ctx context.Context) (string, error) {
	return n.step(ctx, -1)
}

func (n *Navigator) step(ctx context.Context, delta int) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.refreshLocked(ctx); err != nil {
		return "", err
	}
	if len(n.features) == 0 {
		return "", nil
	}
	index := n.indexOfLocked(n.currentID)
	if index == -1 {
		// No current selection: land on an end of the list.
		if delta > 0 {
			index = 0
		} else {
			index = len(n.features) - 1
		}
	} else {
		index = (index + delta + len(n.features)) % len(n.features)
	}
	target := geo.FeatureID(n.features[index])
	if err := n.selectLocked(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

// AdvanceAfterEvaluation finds the next feature still awaiting review:
// forward from just after the current position to the end, then from the
// start up to the current position, always in the repository's canonical
// order. When nothing remains unevaluated the current feature stays put.
func (n *Navigator) AdvanceAfterEvaluation(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.refreshLocked(ctx); err != nil {
		return "", err
	}
	if len(n.features) == 0 {
		return "", nil
	}

	unevaluated, err := n.repo.UnevaluatedFeatures(ctx)
	if err != nil {
		return "", err
	}
	if len(unevaluated) == 0 {
		// All reviewed; terminal state.
		return n.currentID, nil
	}
	remaining := make(map[string]bool, len(unevaluated))
	for _, feature := range unevaluated {
		remaining[geo.FeatureID(feature)] = true
	}

	position := n.indexOfLocked(n.currentID)
	total := len(n.features)
	for offset := 1; offset <= total; offset++ {
		candidate := geo.FeatureID(n.features[(position+offset+total)%total])
		if remaining[candidate] {
			if err := n.selectLocked(ctx, candidate); err != nil {
				return "", err
			}
			return candidate, nil
		}
	}
	return n.currentID, nil
}

// ChooseImage records the session image selection. Picking an image implies
// the mapillary source; the reverse direction never clears the image.
func (n *Navigator) ChooseImage(imageID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.imageID = imageID
	if imageID != "" {
		n.source = store.SourceMapillary
	}
}

// SetSource switches the evaluation source. A previously chosen image stays
// available in case the reviewer switches back.
func (n *Navigator) SetSource(source store.EvaluationSource) error {
	if !store.ValidSource(source) {
		return errors.New("unknown evaluation source")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.source = source
	return nil
}

func (n *Navigator) SetTimePeriods(periods TimePeriods) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timePeriods = periods
}

func (n *Navigator) Snapshot() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return State{
		CurrentFeatureID: n.currentID,
		SelectedImageID:  n.imageID,
		Source:           n.source,
		TimePeriods:      n.timePeriods,
		TotalFeatures:    len(n.features),
	}
}

// Locator encodes the current selection as a compact shareable string.
func (n *Navigator) Locator() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.currentID == "" {
		return ""
	}
	return "featureId=" + url.QueryEscape(n.currentID)
}

// ResolveLocator decodes a locator produced by Locator and selects the
// feature it names, so shared links land on the same selection.
func (n *Navigator) ResolveLocator(ctx context.Context, locator string) error {
	values, err := url.ParseQuery(locator)
	if err != nil {
		return ErrUnknownFeature
	}
	featureID := values.Get("featureId")
	if featureID == "" {
		return ErrUnknownFeature
	}
	return n.Select(ctx, featureID)
}
