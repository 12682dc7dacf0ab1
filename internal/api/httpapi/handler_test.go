package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/temporalstate/temporalstate/internal/cache"
	"github.com/temporalstate/temporalstate/internal/engine"
	"github.com/temporalstate/temporalstate/internal/storage/sqlite"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	eng := engine.New(store, cache.NewMemoryCache(time.Minute), nil, 0)
	return NewHandler(eng)
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func createCounterType(t *testing.T, handler http.Handler) string {
	t.Helper()
	recorder := doJSON(t, handler, http.MethodPost, "/api/entity-types", `{"name":"counter","schema":{}}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create type: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		ID string `json:"id"`
	}
	decodeResponse(t, recorder, &response)
	return response.ID
}

func createCounterInstance(t *testing.T, handler http.Handler, typeID, externalID string) string {
	t.Helper()
	body := fmt.Sprintf(`{"entityTypeId":%q,"externalId":%q,"initialState":{"count":0}}`, typeID, externalID)
	recorder := doJSON(t, handler, http.MethodPost, "/api/instances", body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create instance: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		ID string `json:"id"`
	}
	decodeResponse(t, recorder, &response)
	return response.ID
}

func TestHealthz(t *testing.T) {
	handler := newTestHandler(t)
	recorder := doJSON(t, handler, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestCreateEntityTypeConflictStatus(t *testing.T) {
	handler := newTestHandler(t)
	createCounterType(t, handler)

	recorder := doJSON(t, handler, http.MethodPost, "/api/entity-types", `{"name":"counter"}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeResponse(t, recorder, &response)
	if response.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", response.Error.Code)
	}
}

func TestCreateEntityTypeValidation(t *testing.T) {
	handler := newTestHandler(t)
	recorder := doJSON(t, handler, http.MethodPost, "/api/entity-types", `{"name":""}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestCreateInstanceMissingTypeStatus(t *testing.T) {
	handler := newTestHandler(t)
	recorder := doJSON(t, handler, http.MethodPost, "/api/instances", `{"entityTypeId":"nope","externalId":"c1"}`)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestApplyEventFlow(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	instanceID := createCounterInstance(t, handler, typeID, "c1")

	recorder := doJSON(t, handler, http.MethodPost, "/api/instances/"+instanceID+"/events",
		`{"eventType":"SetCount","payload":{"count":5},"expectedVersion":1}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("apply event: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Instance struct {
			Version uint64 `json:"version"`
		} `json:"instance"`
		Event struct {
			Version   uint64 `json:"version"`
			EventType string `json:"eventType"`
		} `json:"event"`
	}
	decodeResponse(t, recorder, &response)
	if response.Instance.Version != 2 || response.Event.Version != 2 {
		t.Fatalf("expected version 2, got %+v", response)
	}
	if response.Event.EventType != "SetCount" {
		t.Fatalf("expected SetCount, got %q", response.Event.EventType)
	}

	// A stale expected version surfaces as a version conflict.
	recorder = doJSON(t, handler, http.MethodPost, "/api/instances/"+instanceID+"/events",
		`{"eventType":"SetCount","payload":{"count":9},"expectedVersion":1}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	var conflict struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeResponse(t, recorder, &conflict)
	if conflict.Error.Code != "version_conflict" {
		t.Fatalf("expected version_conflict, got %q", conflict.Error.Code)
	}
}

func TestCurrentStateFastRead(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	createCounterInstance(t, handler, typeID, "c1")

	recorder := doJSON(t, handler, http.MethodGet, "/api/current-state?entityTypeId="+typeID+"&externalId=c1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Version   uint64 `json:"version"`
		FromCache bool   `json:"fromCache"`
	}
	decodeResponse(t, recorder, &response)
	if response.Version != 1 || !response.FromCache {
		t.Fatalf("expected cached version 1, got %+v", response)
	}

	// Invalidate, then the next read comes from storage.
	recorder = doJSON(t, handler, http.MethodDelete, "/api/current-state?entityTypeId="+typeID+"&externalId=c1", "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	recorder = doJSON(t, handler, http.MethodGet, "/api/current-state?entityTypeId="+typeID+"&externalId=c1", "")
	decodeResponse(t, recorder, &response)
	if response.FromCache {
		t.Fatal("expected storage read after invalidation")
	}
}

func TestHistoricalStateByVersion(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	instanceID := createCounterInstance(t, handler, typeID, "c1")

	recorder := doJSON(t, handler, http.MethodPost, "/api/instances/"+instanceID+"/events",
		`{"eventType":"SetCount","payload":{"count":5},"expectedVersion":1}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("apply event: got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/instances/"+instanceID+"/state?version=1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		State map[string]any `json:"state"`
	}
	decodeResponse(t, recorder, &response)
	if response.State["count"] != float64(0) {
		t.Fatalf("expected count 0 at version 1, got %v", response.State["count"])
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/instances/"+instanceID+"/state", "")
	decodeResponse(t, recorder, &response)
	if response.State["count"] != float64(5) {
		t.Fatalf("expected count 5 at latest, got %v", response.State["count"])
	}
}

func TestHistoricalStateBeforeCreation(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	instanceID := createCounterInstance(t, handler, typeID, "c1")

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	recorder := doJSON(t, handler, http.MethodGet, "/api/instances/"+instanceID+"/state?timestamp="+past, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before creation, got %d", recorder.Code)
	}
}

func TestCompareVersionsEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	instanceID := createCounterInstance(t, handler, typeID, "c1")

	recorder := doJSON(t, handler, http.MethodPost, "/api/instances/"+instanceID+"/events",
		`{"eventType":"SetCount","payload":{"count":5},"expectedVersion":1}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("apply event: got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/instances/"+instanceID+"/compare?v1=1&v2=2", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Changes map[string]struct {
			From any `json:"from"`
			To   any `json:"to"`
		} `json:"changes"`
	}
	decodeResponse(t, recorder, &response)
	change, ok := response.Changes["count"]
	if !ok || len(response.Changes) != 1 {
		t.Fatalf("expected single count change, got %v", response.Changes)
	}
	if change.From != float64(0) || change.To != float64(5) {
		t.Fatalf("expected 0 -> 5, got %v -> %v", change.From, change.To)
	}
}

func TestFieldTimelineEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	instanceID := createCounterInstance(t, handler, typeID, "c1")

	recorder := doJSON(t, handler, http.MethodGet, "/api/instances/"+instanceID+"/timeline?field=count", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Field    string `json:"field"`
		Timeline []struct {
			Version uint64 `json:"version"`
			Value   any    `json:"value"`
		} `json:"timeline"`
	}
	decodeResponse(t, recorder, &response)
	if response.Field != "count" || len(response.Timeline) != 1 {
		t.Fatalf("expected one timeline point, got %+v", response)
	}
	if response.Timeline[0].Value != float64(0) {
		t.Fatalf("expected value 0, got %v", response.Timeline[0].Value)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	createCounterInstance(t, handler, typeID, "c1")

	recorder := doJSON(t, handler, http.MethodGet, "/api/statistics?entityTypeName=counter", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		TotalEvents  int            `json:"totalEvents"`
		EventsByType map[string]int `json:"eventsByType"`
	}
	decodeResponse(t, recorder, &response)
	if response.TotalEvents != 1 || response.EventsByType["EntityCreated"] != 1 {
		t.Fatalf("unexpected statistics %+v", response)
	}
}

func TestEventTypeDistributionEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	instanceID := createCounterInstance(t, handler, typeID, "c1")

	body := `{"eventType":"SetCount","payload":{"count":5},"expectedVersion":1}`
	recorder := doJSON(t, handler, http.MethodPost, "/api/instances/"+instanceID+"/events", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("apply event: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/analytics/event-type-distribution?entityTypeName=counter", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Distribution []struct {
			EventType  string  `json:"eventType"`
			Count      int     `json:"count"`
			Percentage float64 `json:"percentage"`
		} `json:"distribution"`
	}
	decodeResponse(t, recorder, &response)
	if len(response.Distribution) != 2 {
		t.Fatalf("expected 2 event types, got %+v", response.Distribution)
	}
	if response.Distribution[0].Percentage != 50 || response.Distribution[1].Percentage != 50 {
		t.Fatalf("expected even split, got %+v", response.Distribution)
	}
}

func TestMostActiveEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	typeID := createCounterType(t, handler)
	instanceID := createCounterInstance(t, handler, typeID, "c1")
	createCounterInstance(t, handler, typeID, "c2")

	body := `{"eventType":"SetCount","payload":{"count":5},"expectedVersion":1}`
	recorder := doJSON(t, handler, http.MethodPost, "/api/instances/"+instanceID+"/events", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("apply event: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/analytics/most-active?entityTypeName=counter&limit=1", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Instances []struct {
			EntityInstanceID string `json:"entityInstanceId"`
			EventCount       int    `json:"eventCount"`
		} `json:"instances"`
	}
	decodeResponse(t, recorder, &response)
	if len(response.Instances) != 1 {
		t.Fatalf("expected 1 instance, got %+v", response.Instances)
	}
	if response.Instances[0].EntityInstanceID != instanceID || response.Instances[0].EventCount != 2 {
		t.Fatalf("expected c1 with 2 events, got %+v", response.Instances[0])
	}
}

func TestChangeRateEndpointValidation(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(t, handler, http.MethodGet, "/api/analytics/change-rate?instanceId=abc", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing range, got %d", recorder.Code)
	}

	start := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	end := time.Now().UTC().Format(time.RFC3339Nano)
	recorder = doJSON(t, handler, http.MethodGet, "/api/analytics/change-rate?instanceId=abc&start="+start+"&end="+end, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown instance, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	handler := newTestHandler(t)
	recorder := doJSON(t, handler, http.MethodGet, "/api/instances/abc/unknown", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}
