package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/temporalstate/temporalstate/internal/engine"
)

// handleAnalyticsRoutes serves the analytics read endpoints:
//
//	GET /api/analytics/event-counts
//	GET /api/analytics/event-timeseries
//	GET /api/analytics/field-distribution
//	GET /api/analytics/change-rate
//	GET /api/analytics/most-active
//	GET /api/analytics/event-type-distribution
//	GET /api/analytics/state-growth
func (h *Handler) handleAnalyticsRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/api/analytics/") {
	case "event-counts":
		h.handleEventCounts(w, r)
	case "event-timeseries":
		h.handleEventTimeSeries(w, r)
	case "field-distribution":
		h.handleFieldDistribution(w, r)
	case "change-rate":
		h.handleChangeRate(w, r)
	case "most-active":
		h.handleMostActive(w, r)
	case "event-type-distribution":
		h.handleEventTypeDistribution(w, r)
	case "state-growth":
		h.handleStateGrowth(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (h *Handler) handleEventCounts(w http.ResponseWriter, r *http.Request) {
	entityTypeName := r.URL.Query().Get("entityTypeName")
	if entityTypeName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeName is required")
		return
	}
	start, end, ok := queryTimeRange(w, r)
	if !ok {
		return
	}

	counts, err := h.engine.GetEventCountByType(r.Context(), entityTypeName, start, end)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

type timeSeriesPointResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Value     int       `json:"value"`
}

func toTimeSeriesResponses(points []engine.TimeSeriesPoint) []timeSeriesPointResponse {
	responses := make([]timeSeriesPointResponse, 0, len(points))
	for _, point := range points {
		responses = append(responses, timeSeriesPointResponse{
			Timestamp: point.Timestamp,
			Value:     point.Value,
		})
	}
	return responses
}

func (h *Handler) handleEventTimeSeries(w http.ResponseWriter, r *http.Request) {
	entityTypeName := r.URL.Query().Get("entityTypeName")
	if entityTypeName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeName is required")
		return
	}
	start, end, ok := queryTimeRange(w, r)
	if !ok {
		return
	}

	var bucket time.Duration
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "bucket must be a positive duration such as 1h")
			return
		}
		bucket = parsed
	}

	points, err := h.engine.GetEventTimeSeries(r.Context(), entityTypeName, start, end, bucket)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeseries": toTimeSeriesResponses(points)})
}

func (h *Handler) handleFieldDistribution(w http.ResponseWriter, r *http.Request) {
	entityTypeID := r.URL.Query().Get("entityTypeId")
	field := r.URL.Query().Get("field")
	if entityTypeID == "" || field == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeId and field are required")
		return
	}

	buckets, err := h.engine.GetFieldDistribution(r.Context(), entityTypeID, field, queryInt(r, "buckets", 0))
	if err != nil {
		writeStorageError(w, err)
		return
	}

	type bucketResponse struct {
		Bucket string `json:"bucket"`
		Count  int    `json:"count"`
	}
	responses := make([]bucketResponse, 0, len(buckets))
	for _, bucket := range buckets {
		responses = append(responses, bucketResponse{Bucket: bucket.Bucket, Count: bucket.Count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"field": field, "distribution": responses})
}

func (h *Handler) handleChangeRate(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "instanceId is required")
		return
	}
	start, end, ok := queryTimeRange(w, r)
	if !ok {
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "bad_request", "end must be after start")
		return
	}

	rate, err := h.engine.GetEntityChangeRate(r.Context(), instanceID, start, end)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eventsPerHour": rate})
}

func (h *Handler) handleMostActive(w http.ResponseWriter, r *http.Request) {
	entityTypeName := r.URL.Query().Get("entityTypeName")
	if entityTypeName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeName is required")
		return
	}

	activity, err := h.engine.GetMostActiveEntities(r.Context(), entityTypeName, queryInt(r, "limit", 0))
	if err != nil {
		writeStorageError(w, err)
		return
	}

	type activityResponse struct {
		EntityInstanceID string `json:"entityInstanceId"`
		EventCount       int    `json:"eventCount"`
	}
	responses := make([]activityResponse, 0, len(activity))
	for _, entry := range activity {
		responses = append(responses, activityResponse{
			EntityInstanceID: entry.EntityInstanceID,
			EventCount:       entry.EventCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": responses})
}

func (h *Handler) handleEventTypeDistribution(w http.ResponseWriter, r *http.Request) {
	entityTypeName := r.URL.Query().Get("entityTypeName")
	if entityTypeName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeName is required")
		return
	}

	distribution, err := h.engine.GetEventTypeDistribution(r.Context(), entityTypeName)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	type shareResponse struct {
		EventType  string  `json:"eventType"`
		Count      int     `json:"count"`
		Percentage float64 `json:"percentage"`
	}
	responses := make([]shareResponse, 0, len(distribution))
	for _, share := range distribution {
		responses = append(responses, shareResponse{
			EventType:  share.EventType,
			Count:      share.Count,
			Percentage: share.Percentage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"distribution": responses})
}

func (h *Handler) handleStateGrowth(w http.ResponseWriter, r *http.Request) {
	entityTypeID := r.URL.Query().Get("entityTypeId")
	if entityTypeID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeId is required")
		return
	}
	start, end, ok := queryTimeRange(w, r)
	if !ok {
		return
	}

	points, err := h.engine.GetStateGrowthRate(r.Context(), entityTypeID, start, end)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeseries": toTimeSeriesResponses(points)})
}

// queryTimeRange parses the required start and end query parameters, writing
// a 400 response when either is missing or malformed.
func queryTimeRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	start, err := parseTimestamp(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "start must be an RFC 3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	end, err := parseTimestamp(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "end must be an RFC 3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
