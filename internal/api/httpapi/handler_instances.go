package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/temporalstate/temporalstate/internal/engine"
	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// handleInstanceRoutes serves the per-instance routes:
//
//	GET  /api/instances/{id}
//	GET  /api/instances/{id}/events
//	POST /api/instances/{id}/events
//	GET  /api/instances/{id}/events/range
//	GET  /api/instances/{id}/state
//	GET  /api/instances/{id}/compare
//	GET  /api/instances/{id}/timeline
//	GET  /api/instances/{id}/snapshot-info
func (h *Handler) handleInstanceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/instances/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	instanceID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleGetInstance(w, r, instanceID)
	case len(parts) == 2 && parts[1] == "events":
		switch r.Method {
		case http.MethodGet:
			h.handleEventHistory(w, r, instanceID)
		case http.MethodPost:
			h.handleApplyEvent(w, r, instanceID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
		}
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "range":
		h.handleEventsInTimeRange(w, r, instanceID)
	case len(parts) == 2 && parts[1] == "state":
		h.handleHistoricalState(w, r, instanceID)
	case len(parts) == 2 && parts[1] == "compare":
		h.handleCompareVersions(w, r, instanceID)
	case len(parts) == 2 && parts[1] == "timeline":
		h.handleFieldTimeline(w, r, instanceID)
	case len(parts) == 2 && parts[1] == "snapshot-info":
		h.handleSnapshotInfo(w, r, instanceID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (h *Handler) handleGetInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	instance, err := h.engine.GetInstance(r.Context(), instanceID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(instance))
}

func (h *Handler) handleApplyEvent(w http.ResponseWriter, r *http.Request, instanceID string) {
	var request struct {
		EventType       string         `json:"eventType"`
		Payload         statevalue.Map `json:"payload"`
		ExpectedVersion uint64         `json:"expectedVersion"`
		CorrelationID   string         `json:"correlationId"`
		CausationID     string         `json:"causationId"`
		Metadata        statevalue.Map `json:"metadata"`
	}
	if !decodeBody(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.EventType) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "eventType is required")
		return
	}
	if request.ExpectedVersion == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "expectedVersion must be greater than zero")
		return
	}

	instance, evt, err := h.engine.ApplyEvent(r.Context(), engine.ApplyEventInput{
		EntityInstanceID: instanceID,
		EventType:        request.EventType,
		Payload:          request.Payload,
		ExpectedVersion:  request.ExpectedVersion,
		CorrelationID:    request.CorrelationID,
		CausationID:      request.CausationID,
		Metadata:         request.Metadata,
	})
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": toInstanceResponse(instance),
		"event":    toEventResponse(evt),
	})
}

func (h *Handler) handleEventHistory(w http.ResponseWriter, r *http.Request, instanceID string) {
	fromVersion, hasFrom, err := queryUint(r, "fromVersion")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "fromVersion must be a non-negative integer")
		return
	}
	toVersion, hasTo, err := queryUint(r, "toVersion")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "toVersion must be a non-negative integer")
		return
	}

	if hasFrom || hasTo {
		events, err := h.engine.GetEvents(r.Context(), instanceID, fromVersion, toVersion)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": toEventResponses(events)})
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	events, total, err := h.engine.GetEventHistory(r.Context(), instanceID, limit, offset)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventResponses(events), "total": total})
}

func (h *Handler) handleEventsInTimeRange(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	start, err := parseTimestamp(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "start must be an RFC 3339 timestamp")
		return
	}
	end, err := parseTimestamp(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "end must be an RFC 3339 timestamp")
		return
	}

	events, err := h.engine.GetEventsInTimeRange(r.Context(), instanceID, start, end)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventResponses(events)})
}

// handleHistoricalState serves state reconstruction. With ?version= it
// replays to that version (omitted or 0 means latest); with ?timestamp= it
// resolves the state as of that instant. The two are mutually exclusive.
func (h *Handler) handleHistoricalState(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	rawTimestamp := r.URL.Query().Get("timestamp")
	version, hasVersion, err := queryUint(r, "version")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "version must be a non-negative integer")
		return
	}
	if hasVersion && rawTimestamp != "" {
		writeError(w, http.StatusBadRequest, "bad_request", "version and timestamp are mutually exclusive")
		return
	}

	if rawTimestamp != "" {
		at, err := parseTimestamp(rawTimestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "timestamp must be an RFC 3339 timestamp")
			return
		}
		state, err := h.engine.StateAtTimestamp(r.Context(), instanceID, at)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state})
		return
	}

	state, err := h.engine.RebuildState(r.Context(), instanceID, version)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

type changeResponse struct {
	From *statevalue.Value `json:"from"`
	To   *statevalue.Value `json:"to"`
}

func (h *Handler) handleCompareVersions(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	v1, hasV1, err := queryUint(r, "v1")
	if err != nil || !hasV1 || v1 == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "v1 must be a positive integer")
		return
	}
	v2, hasV2, err := queryUint(r, "v2")
	if err != nil || !hasV2 || v2 == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "v2 must be a positive integer")
		return
	}

	comparison, err := h.engine.CompareVersions(r.Context(), instanceID, v1, v2)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	changes := make(map[string]changeResponse, len(comparison.Changes))
	for key, change := range comparison.Changes {
		changes[key] = changeResponse{From: change.From, To: change.To}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state1":  comparison.State1,
		"state2":  comparison.State2,
		"changes": changes,
	})
}

type timelinePointResponse struct {
	Timestamp time.Time         `json:"timestamp"`
	Version   uint64            `json:"version"`
	Value     *statevalue.Value `json:"value"`
}

func (h *Handler) handleFieldTimeline(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	field := r.URL.Query().Get("field")
	if field == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "field is required")
		return
	}

	timeline, err := h.engine.GetFieldTimeline(r.Context(), instanceID, field)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	points := make([]timelinePointResponse, 0, len(timeline))
	for _, point := range timeline {
		points = append(points, timelinePointResponse{
			Timestamp: point.Timestamp,
			Version:   point.Version,
			Value:     point.Value,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"field": field, "timeline": points})
}

func (h *Handler) handleSnapshotInfo(w http.ResponseWriter, r *http.Request, instanceID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	info, err := h.engine.GetSnapshotInfo(r.Context(), instanceID)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	response := map[string]any{
		"totalEvents":         info.TotalEvents,
		"eventsSinceSnapshot": info.EventsSinceSnapshot,
	}
	if info.LatestSnapshot != nil {
		response["latestSnapshot"] = map[string]any{
			"id":        info.LatestSnapshot.ID,
			"version":   info.LatestSnapshot.Version,
			"state":     info.LatestSnapshot.State,
			"createdAt": info.LatestSnapshot.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func parseTimestamp(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}
