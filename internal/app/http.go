package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"linereview/api/internal/export"
	"linereview/api/internal/imagery"
	"linereview/api/internal/ingest"
	"linereview/api/internal/metrics"
	"linereview/api/internal/nav"
	"linereview/api/internal/store"
)

const maxImportBytes = 64 << 20

type HTTPServer struct {
	service    *Service
	navigator  *nav.Navigator
	imagery    *imagery.Client
	corsOrigin string
}

func NewHTTPServer(service *Service, navigator *nav.Navigator, imageryClient *imagery.Client, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, navigator: navigator, imagery: imageryClient, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{"ok": status == "ready", "status": status, "checks": checks})
		return
	}

	parts := splitPath(r.URL.EscapedPath())
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[1] == "features" && len(parts) == 2:
		switch r.Method {
		case http.MethodPost:
			s.handleImport(w, r)
		case http.MethodGet:
			s.handleListFeatures(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
	case parts[1] == "features" && len(parts) == 3 && parts[2] == "unevaluated" && r.Method == http.MethodGet:
		s.handleUnevaluatedFeatures(w, r)
	case parts[1] == "features" && len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetFeature(w, r, pathSegment(parts[2]))
	case parts[1] == "features" && len(parts) == 4 && parts[3] == "evaluation":
		switch r.Method {
		case http.MethodGet:
			s.handleGetEvaluation(w, r, pathSegment(parts[2]))
		case http.MethodPut:
			s.handlePutEvaluation(w, r, pathSegment(parts[2]))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
	case parts[1] == "features" && len(parts) == 6 && parts[3] == "evaluation" && parts[4] == "properties" && r.Method == http.MethodPut:
		s.handlePutPropertyEvaluation(w, r, pathSegment(parts[2]), pathSegment(parts[5]))
	case parts[1] == "features" && len(parts) == 4 && parts[3] == "viewport" && r.Method == http.MethodGet:
		s.handleViewport(w, r, pathSegment(parts[2]))
	case parts[1] == "progress" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleProgress(w, r)
	case parts[1] == "export" && len(parts) == 3 && r.Method == http.MethodGet:
		s.handleExport(w, r, parts[2])
	case parts[1] == "data" && len(parts) == 2 && r.Method == http.MethodDelete:
		s.handleClearData(w, r)
	case parts[1] == "navigation":
		s.handleNavigation(w, r, parts[2:])
	case parts[1] == "imagery" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleImagery(w, r)
	case parts[1] == "viewport" && len(parts) == 3 && parts[2] == "resolve" && r.Method == http.MethodGet:
		s.handleResolveViewport(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request) {
	profile, ok := ingest.ParseProfile(r.URL.Query().Get("profile"))
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "Unknown validation profile", r.URL.Query().Get("profile"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Upload too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	summary, err := s.service.LoadFeatures(r.Context(), body, r.URL.Query().Get("region"), profile)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	if err := s.navigator.Refresh(r.Context()); err != nil {
		log.Printf("navigation refresh after import: %v", err)
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *HTTPServer) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.service.AllFeatures(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, featureCollection(features))
}

func (s *HTTPServer) handleUnevaluatedFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.service.UnevaluatedFeatures(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, featureCollection(features))
}

func (s *HTTPServer) handleGetFeature(w http.ResponseWriter, r *http.Request, featureID string) {
	feature, err := s.service.FeatureByID(r.Context(), featureID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if feature == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown feature id", nil)
		return
	}
	writeJSON(w, http.StatusOK, feature)
}

type evaluationPayload struct {
	Source              store.EvaluationSource              `json:"source"`
	MapillaryID         string                              `json:"mapillaryId,omitempty"`
	PropertyEvaluations map[string]store.PropertyEvaluation `json:"propertyEvaluations"`
	Timestamp           int64                               `json:"timestamp,omitempty"`
}

func evaluationResponse(record *store.EvaluationRecord) any {
	if record == nil {
		return nil
	}
	return evaluationPayload{
		Source:              record.Source,
		MapillaryID:         record.MapillaryID,
		PropertyEvaluations: record.PropertyEvaluations,
		Timestamp:           record.Timestamp.UnixMilli(),
	}
}

func (s *HTTPServer) handleGetEvaluation(w http.ResponseWriter, r *http.Request, featureID string) {
	record, err := s.service.Evaluation(r.Context(), featureID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	// Absent evaluation is a defined empty result, not an error.
	writeJSON(w, http.StatusOK, map[string]any{"featureId": featureID, "evaluation": evaluationResponse(record)})
}

func (s *HTTPServer) handlePutEvaluation(w http.ResponseWriter, r *http.Request, featureID string) {
	var body evaluationPayload
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	err := s.service.EvaluateFeature(r.Context(), featureID, body.Source, body.PropertyEvaluations, body.MapillaryID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if err := s.navigator.Refresh(r.Context()); err != nil {
		log.Printf("navigation refresh after evaluation: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePutPropertyEvaluation(w http.ResponseWriter, r *http.Request, featureID, baseName string) {
	var body struct {
		Status  string `json:"status"`
		Comment string `json:"comment,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	err := s.service.UpdatePropertyEvaluation(r.Context(), featureID, baseName, body.Status, body.Comment)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleViewport(w http.ResponseWriter, r *http.Request, featureID string) {
	feature, err := s.service.FeatureByID(r.Context(), featureID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if feature == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown feature id", nil)
		return
	}
	state := export.InitialMapState(feature)
	writeJSON(w, http.StatusOK, map[string]any{
		"zoom":      state.Zoom,
		"latitude":  state.Latitude,
		"longitude": state.Longitude,
		"locator":   state.String(),
	})
}

func (s *HTTPServer) handleResolveViewport(w http.ResponseWriter, r *http.Request) {
	state, ok := export.ParseMapState(r.URL.Query().Get("state"))
	if !ok {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "Malformed map state locator", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"zoom":      state.Zoom,
		"latitude":  state.Latitude,
		"longitude": state.Longitude,
	})
}

func (s *HTTPServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.service.Progress(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, kind string) {
	var collection *geojson.FeatureCollection
	var filename string
	var err error
	switch kind {
	case "all":
		collection, err = s.service.ExportAll(r.Context())
		filename = "evaluated-features.geojson"
	case "flagged":
		collection, err = s.service.ExportFlagged(r.Context())
		filename = "flagged-features.geojson"
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown export kind", kind)
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	writeJSON(w, http.StatusOK, collection)
}

func (s *HTTPServer) handleClearData(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ClearAllData(r.Context()); err != nil {
		writeMappedError(w, err)
		return
	}
	if err := s.navigator.Refresh(r.Context()); err != nil {
		log.Printf("navigation refresh after clear: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleNavigation(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		state := s.navigator.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "locator": s.navigator.Locator()})
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// All subroutes are POST except the locator lookup.
	switch parts[0] {
	case "select", "next", "prev", "advance", "image", "source", "filters":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
	case "resolve":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "select":
		var body struct {
			FeatureID string `json:"featureId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.navigator.Select(r.Context(), body.FeatureID); err != nil {
			writeMappedError(w, err)
			return
		}
	case "next", "prev", "advance":
		var err error
		switch parts[0] {
		case "next":
			_, err = s.navigator.Next(r.Context())
		case "prev":
			_, err = s.navigator.Prev(r.Context())
		case "advance":
			_, err = s.navigator.AdvanceAfterEvaluation(r.Context())
		}
		if err != nil {
			writeMappedError(w, err)
			return
		}
	case "image":
		var body struct {
			ImageID string `json:"imageId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.navigator.ChooseImage(body.ImageID)
	case "source":
		var body struct {
			Source store.EvaluationSource `json:"source"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.navigator.SetSource(body.Source); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil)
			return
		}
	case "filters":
		var body nav.TimePeriods
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.navigator.SetTimePeriods(body)
	case "resolve":
		if err := s.navigator.ResolveLocator(r.Context(), r.URL.Query().Get("locator")); err != nil {
			writeMappedError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.navigator.Snapshot())
}

func (s *HTTPServer) handleImagery(w http.ResponseWriter, r *http.Request) {
	if s.imagery == nil || !s.imagery.Configured() {
		writeError(w, http.StatusServiceUnavailable, "IMAGERY_UNAVAILABLE", "Imagery lookup not configured", nil)
		return
	}

	raw := strings.Split(r.URL.Query().Get("ids"), ",")
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "No image ids given", nil)
		return
	}

	images, err := s.imagery.Images(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusBadGateway, "IMAGERY_FAILED", "Imagery lookup failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		metrics.HTTPRequestsTotal.WithLabelValues(strconv.Itoa(writer.status)).Inc()
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func featureCollection(features []*geojson.Feature) *geojson.FeatureCollection {
	collection := geojson.NewFeatureCollection()
	collection.Features = make([]*geojson.Feature, 0, len(features))
	for _, feature := range features {
		collection.Append(feature)
	}
	return collection
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage unavailable", nil
	}
	if errors.Is(err, nav.ErrUnknownFeature) {
		return http.StatusNotFound, "NOT_FOUND", "Unknown feature id", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func pathSegment(raw string) string {
	segment, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return segment
}
