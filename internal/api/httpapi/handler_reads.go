package httpapi

import (
	"net/http"
)

// handleCurrentState serves the fast current-state path. GET reads through
// the cache; DELETE invalidates the cached entry.
func (h *Handler) handleCurrentState(w http.ResponseWriter, r *http.Request) {
	entityTypeID := r.URL.Query().Get("entityTypeId")
	externalID := r.URL.Query().Get("externalId")
	if entityTypeID == "" || externalID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeId and externalId are required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		fast, err := h.engine.GetCurrentStateFast(r.Context(), entityTypeID, externalID)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":     fast.State,
			"version":   fast.Version,
			"fromCache": fast.FromCache,
		})
	case http.MethodDelete:
		if err := h.engine.InvalidateCache(r.Context(), entityTypeID, externalID); err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}

func (h *Handler) handleEventsByCorrelation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	correlationID := r.URL.Query().Get("correlationId")
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "correlationId is required")
		return
	}

	events, err := h.engine.GetEventsByCorrelationID(r.Context(), correlationID, queryInt(r, "limit", 100))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventResponses(events)})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	entityTypeName := r.URL.Query().Get("entityTypeName")
	if entityTypeName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeName is required")
		return
	}

	stats, err := h.engine.GetEventStatistics(r.Context(), entityTypeName)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalEvents":   stats.TotalEvents,
		"eventsByType":  stats.EventsByType,
		"lastEventTime": stats.LastEventTime,
	})
}

func (h *Handler) handleAggregation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	entityTypeID := r.URL.Query().Get("entityTypeId")
	field := r.URL.Query().Get("field")
	if entityTypeID == "" || field == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "entityTypeId and field are required")
		return
	}

	aggregation, err := h.engine.GetFieldAggregation(r.Context(), entityTypeID, field)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"field": aggregation.Field,
		"count": aggregation.Count,
		"sum":   aggregation.Sum,
		"min":   aggregation.Min,
		"max":   aggregation.Max,
		"avg":   aggregation.Avg,
	})
}
