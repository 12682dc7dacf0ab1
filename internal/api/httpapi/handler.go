// Package httpapi exposes the engine's operations as a JSON HTTP API.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/temporalstate/temporalstate/internal/catalog"
	"github.com/temporalstate/temporalstate/internal/engine"
	"github.com/temporalstate/temporalstate/internal/event"
	"github.com/temporalstate/temporalstate/internal/statevalue"
)

// Handler serves the JSON API.
type Handler struct {
	engine *engine.Engine
}

// NewHandler builds the HTTP handler around an engine.
func NewHandler(eng *engine.Engine) http.Handler {
	handler := &Handler{engine: eng}
	return handler.routes()
}

func (h *Handler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/entity-types", h.handleEntityTypes)
	mux.HandleFunc("/api/entity-types/", h.handleEntityTypeRoutes)
	mux.HandleFunc("/api/instances", h.handleInstances)
	mux.HandleFunc("/api/instances/", h.handleInstanceRoutes)
	mux.HandleFunc("/api/current-state", h.handleCurrentState)
	mux.HandleFunc("/api/events", h.handleEventsByCorrelation)
	mux.HandleFunc("/api/statistics", h.handleStatistics)
	mux.HandleFunc("/api/aggregation", h.handleAggregation)
	mux.HandleFunc("/api/analytics/", h.handleAnalyticsRoutes)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type entityTypeResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      statevalue.Map `json:"schema"`
	Metadata    statevalue.Map `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func toEntityTypeResponse(entityType catalog.EntityType) entityTypeResponse {
	return entityTypeResponse{
		ID:          entityType.ID,
		Name:        entityType.Name,
		Description: entityType.Description,
		Schema:      entityType.Schema,
		Metadata:    entityType.Metadata,
		CreatedAt:   entityType.CreatedAt,
		UpdatedAt:   entityType.UpdatedAt,
	}
}

type instanceResponse struct {
	ID           string         `json:"id"`
	EntityTypeID string         `json:"entityTypeId"`
	ExternalID   string         `json:"externalId"`
	CurrentState statevalue.Map `json:"currentState"`
	Version      uint64         `json:"version"`
	Metadata     statevalue.Map `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func toInstanceResponse(instance catalog.EntityInstance) instanceResponse {
	return instanceResponse{
		ID:           instance.ID,
		EntityTypeID: instance.EntityTypeID,
		ExternalID:   instance.ExternalID,
		CurrentState: instance.CurrentState,
		Version:      instance.Version,
		Metadata:     instance.Metadata,
		CreatedAt:    instance.CreatedAt,
		UpdatedAt:    instance.UpdatedAt,
	}
}

type eventResponse struct {
	ID               string          `json:"id"`
	EntityInstanceID string          `json:"entityInstanceId"`
	EntityTypeName   string          `json:"entityTypeName"`
	EventType        string          `json:"eventType"`
	Version          uint64          `json:"version"`
	Payload          statevalue.Map  `json:"payload"`
	PreviousState    *statevalue.Map `json:"previousState"`
	NewState         statevalue.Map  `json:"newState"`
	Metadata         statevalue.Map  `json:"metadata"`
	CorrelationID    string          `json:"correlationId,omitempty"`
	CausationID      string          `json:"causationId,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

func toEventResponse(evt event.Event) eventResponse {
	response := eventResponse{
		ID:               evt.ID,
		EntityInstanceID: evt.EntityInstanceID,
		EntityTypeName:   evt.EntityTypeName,
		EventType:        evt.Type,
		Version:          evt.Version,
		Payload:          evt.Payload,
		NewState:         evt.NewState,
		Metadata:         evt.Metadata,
		CorrelationID:    evt.CorrelationID,
		CausationID:      evt.CausationID,
		Timestamp:        evt.Timestamp,
	}
	if evt.PreviousState != nil {
		previous := evt.PreviousState
		response.PreviousState = &previous
	}
	return response
}

func toEventResponses(events []event.Event) []eventResponse {
	responses := make([]eventResponse, 0, len(events))
	for _, evt := range events {
		responses = append(responses, toEventResponse(evt))
	}
	return responses
}

func (h *Handler) handleEntityTypes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var request struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Schema      statevalue.Map `json:"schema"`
			Metadata    statevalue.Map `json:"metadata"`
		}
		if !decodeBody(w, r, &request) {
			return
		}
		if strings.TrimSpace(request.Name) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "name is required")
			return
		}
		entityType, err := h.engine.CreateEntityType(r.Context(), request.Name, request.Description, request.Schema, request.Metadata)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEntityTypeResponse(entityType))
	case http.MethodGet:
		entityTypes, err := h.engine.ListEntityTypes(r.Context())
		if err != nil {
			writeStorageError(w, err)
			return
		}
		responses := make([]entityTypeResponse, 0, len(entityTypes))
		for _, entityType := range entityTypes {
			responses = append(responses, toEntityTypeResponse(entityType))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entityTypes": responses})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
	}
}

// handleEntityTypeRoutes serves /api/entity-types/{id} and
// /api/entity-types/{id}/schema.
func (h *Handler) handleEntityTypeRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/entity-types/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
			return
		}
		entityType, err := h.engine.GetEntityType(r.Context(), parts[0])
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntityTypeResponse(entityType))
	case len(parts) == 2 && parts[1] == "schema":
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use PUT")
			return
		}
		var request struct {
			Schema statevalue.Map `json:"schema"`
		}
		if !decodeBody(w, r, &request) {
			return
		}
		entityType, err := h.engine.UpdateEntityTypeSchema(r.Context(), parts[0], request.Schema)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntityTypeResponse(entityType))
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (h *Handler) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var request struct {
			EntityTypeID string         `json:"entityTypeId"`
			ExternalID   string         `json:"externalId"`
			InitialState statevalue.Map `json:"initialState"`
			Metadata     statevalue.Map `json:"metadata"`
		}
		if !decodeBody(w, r, &request) {
			return
		}
		if strings.TrimSpace(request.EntityTypeID) == "" || strings.TrimSpace(request.ExternalID) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "entityTypeId and externalId are required")
			return
		}
		instance, err := h.engine.CreateEntityInstance(r.Context(), request.EntityTypeID, request.ExternalID, request.InitialState, request.Metadata)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toInstanceResponse(instance))
	case http.MethodGet:
		entityTypeID := r.URL.Query().Get("entityTypeId")
		if entityTypeID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "entityTypeId is required")
			return
		}
		limit := queryInt(r, "limit", 100)
		offset := queryInt(r, "offset", 0)
		instances, total, err := h.engine.ListInstances(r.Context(), entityTypeID, limit, offset)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		responses := make([]instanceResponse, 0, len(instances))
		for _, instance := range instances {
			responses = append(responses, toInstanceResponse(instance))
		}
		writeJSON(w, http.StatusOK, map[string]any{"instances": responses, "total": total})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func queryUint(r *http.Request, name string) (uint64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}
