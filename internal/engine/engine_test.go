package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/temporalstate/temporalstate/internal/cache"
	"github.com/temporalstate/temporalstate/internal/catalog"
	"github.com/temporalstate/temporalstate/internal/event"
	"github.com/temporalstate/temporalstate/internal/statevalue"
	"github.com/temporalstate/temporalstate/internal/storage"
	"github.com/temporalstate/temporalstate/internal/storage/sqlite"
)

func newTestEngine(t *testing.T, snapshotInterval uint64) *Engine {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return New(store, cache.NewMemoryCache(time.Minute), nil, snapshotInterval)
}

func mustCreateCounter(t *testing.T, eng *Engine, externalID string) (catalog.EntityType, catalog.EntityInstance) {
	t.Helper()
	ctx := context.Background()
	entityType, err := eng.CreateEntityType(ctx, "counter", "", statevalue.Map{}, nil)
	if err != nil {
		t.Fatalf("create entity type: %v", err)
	}
	instance, err := eng.CreateEntityInstance(ctx, entityType.ID, externalID, statevalue.Map{"count": statevalue.Number(0)}, nil)
	if err != nil {
		t.Fatalf("create entity instance: %v", err)
	}
	return entityType, instance
}

func registerIncrement(eng *Engine) {
	eng.Transformers().Register("Increment", func(current, payload statevalue.Map) statevalue.Map {
		next := current.Clone()
		next["count"] = statevalue.Number(current["count"].NumberValue() + payload["count"].NumberValue())
		return next
	})
}

func TestCreateEntityTypeConflict(t *testing.T) {
	eng := newTestEngine(t, 0)
	ctx := context.Background()

	if _, err := eng.CreateEntityType(ctx, "counter", "", nil, nil); err != nil {
		t.Fatalf("create entity type: %v", err)
	}
	if _, err := eng.CreateEntityType(ctx, "counter", "", nil, nil); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateEntityInstanceMissingType(t *testing.T) {
	eng := newTestEngine(t, 0)

	_, err := eng.CreateEntityInstance(context.Background(), "no-such-type", "c1", nil, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateEntityInstanceSeedsCache(t *testing.T) {
	eng := newTestEngine(t, 0)
	entityType, instance := mustCreateCounter(t, eng, "c1")

	fast, err := eng.GetCurrentStateFast(context.Background(), entityType.ID, "c1")
	if err != nil {
		t.Fatalf("fast read: %v", err)
	}
	if !fast.FromCache {
		t.Fatal("expected creation to seed the cache")
	}
	if fast.Version != 1 {
		t.Fatalf("expected version 1, got %d", fast.Version)
	}
	if !fast.State.Equal(instance.CurrentState) {
		t.Fatalf("expected state %v, got %v", instance.CurrentState, fast.State)
	}
}

func TestApplyEventAdvancesVersionAndCache(t *testing.T) {
	eng := newTestEngine(t, 0)
	entityType, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	updated, evt, err := eng.ApplyEvent(ctx, ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "SetCount",
		Payload:          statevalue.Map{"count": statevalue.Number(5)},
		ExpectedVersion:  1,
	})
	if err != nil {
		t.Fatalf("apply event: %v", err)
	}
	if updated.Version != 2 || evt.Version != 2 {
		t.Fatalf("expected version 2, got instance %d event %d", updated.Version, evt.Version)
	}
	if !evt.PreviousState.Equal(instance.CurrentState) {
		t.Fatalf("expected previous state %v, got %v", instance.CurrentState, evt.PreviousState)
	}
	want := statevalue.Map{"count": statevalue.Number(5)}
	if !updated.CurrentState.Equal(want) {
		t.Fatalf("expected state %v, got %v", want, updated.CurrentState)
	}

	fast, err := eng.GetCurrentStateFast(ctx, entityType.ID, "c1")
	if err != nil {
		t.Fatalf("fast read: %v", err)
	}
	if !fast.FromCache || fast.Version != 2 || !fast.State.Equal(want) {
		t.Fatalf("expected coherent cache hit at version 2, got %+v", fast)
	}
}

func TestApplyEventVersionConflict(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "SetCount",
		Payload:          statevalue.Map{"count": statevalue.Number(1)},
		ExpectedVersion:  1,
	}); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	_, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "SetCount",
		Payload:          statevalue.Map{"count": statevalue.Number(2)},
		ExpectedVersion:  1,
	})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, err := eng.GetInstance(ctx, instance.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2 after losing write, got %d", got.Version)
	}
}

func TestApplyEventConcurrentWritersSingleWinner(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
				EntityInstanceID: instance.ID,
				EventType:        "SetCount",
				Payload:          statevalue.Map{"count": statevalue.Number(float64(n))},
				ExpectedVersion:  1,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected apply error: %v", err)
		}
	}
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", writers-1, wins, conflicts)
	}

	got, err := eng.GetInstance(ctx, instance.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected exactly one committed write, got version %d", got.Version)
	}
	total, err := eng.CountEvents(ctx, instance.ID)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 events after the race, got %d", total)
	}
}

func TestCreateEntityInstanceTimestampsRoundTrip(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")

	got, err := eng.GetInstance(context.Background(), instance.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if !got.CreatedAt.Equal(instance.CreatedAt) || !got.UpdatedAt.Equal(instance.UpdatedAt) {
		t.Fatalf("expected stored timestamps %v/%v, got %v/%v",
			instance.CreatedAt, instance.UpdatedAt, got.CreatedAt, got.UpdatedAt)
	}
}

func TestApplyEventMissingInstance(t *testing.T) {
	eng := newTestEngine(t, 0)

	_, _, err := eng.ApplyEvent(context.Background(), ApplyEventInput{
		EntityInstanceID: "no-such-instance",
		EventType:        "SetCount",
		ExpectedVersion:  1,
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyEventDefaultMerge(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")

	updated, _, err := eng.ApplyEvent(context.Background(), ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "AddLabel",
		Payload:          statevalue.Map{"label": statevalue.String("blue")},
		ExpectedVersion:  1,
	})
	if err != nil {
		t.Fatalf("apply event: %v", err)
	}
	want := statevalue.Map{
		"count": statevalue.Number(0),
		"label": statevalue.String("blue"),
	}
	if !updated.CurrentState.Equal(want) {
		t.Fatalf("expected merged state %v, got %v", want, updated.CurrentState)
	}
}

func TestRebuildStateMatchesCurrentState(t *testing.T) {
	eng := newTestEngine(t, 3)
	_, instance := mustCreateCounter(t, eng, "c1")
	registerIncrement(eng)
	ctx := context.Background()

	for version := uint64(1); version <= 8; version++ {
		if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
			EntityInstanceID: instance.ID,
			EventType:        "Increment",
			Payload:          statevalue.Map{"count": statevalue.Number(1)},
			ExpectedVersion:  version,
		}); err != nil {
			t.Fatalf("apply event at version %d: %v", version, err)
		}
	}

	current, err := eng.GetInstance(ctx, instance.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}

	rebuilt, err := eng.RebuildState(ctx, instance.ID, current.Version)
	if err != nil {
		t.Fatalf("rebuild state: %v", err)
	}
	if !rebuilt.Equal(current.CurrentState) {
		t.Fatalf("rebuild at current version %d: expected %v, got %v", current.Version, current.CurrentState, rebuilt)
	}

	latest, err := eng.RebuildState(ctx, instance.ID, 0)
	if err != nil {
		t.Fatalf("rebuild latest: %v", err)
	}
	if !latest.Equal(current.CurrentState) {
		t.Fatalf("rebuild latest: expected %v, got %v", current.CurrentState, latest)
	}
}

func TestRebuildStateSnapshotIndependence(t *testing.T) {
	withSnapshots := newTestEngine(t, 2)
	withoutSnapshots := newTestEngine(t, 1000)
	registerIncrement(withSnapshots)
	registerIncrement(withoutSnapshots)
	ctx := context.Background()

	var ids [2]string
	for i, eng := range [2]*Engine{withSnapshots, withoutSnapshots} {
		_, instance := mustCreateCounter(t, eng, "c1")
		ids[i] = instance.ID
		for version := uint64(1); version <= 7; version++ {
			if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
				EntityInstanceID: instance.ID,
				EventType:        "Increment",
				Payload:          statevalue.Map{"count": statevalue.Number(1)},
				ExpectedVersion:  version,
			}); err != nil {
				t.Fatalf("apply event at version %d: %v", version, err)
			}
		}
	}

	// Snapshots shorten the replay but never change its result.
	for version := uint64(1); version <= 8; version++ {
		dense, err := withSnapshots.RebuildState(ctx, ids[0], version)
		if err != nil {
			t.Fatalf("rebuild with snapshots at %d: %v", version, err)
		}
		sparse, err := withoutSnapshots.RebuildState(ctx, ids[1], version)
		if err != nil {
			t.Fatalf("rebuild without snapshots at %d: %v", version, err)
		}
		if !dense.Equal(sparse) {
			t.Fatalf("rebuild at version %d diverged: %v vs %v", version, dense, sparse)
		}
	}
}

func TestStateAtTimestamp(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	_, evt, err := eng.ApplyEvent(ctx, ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "SetCount",
		Payload:          statevalue.Map{"count": statevalue.Number(7)},
		ExpectedVersion:  1,
	})
	if err != nil {
		t.Fatalf("apply event: %v", err)
	}

	state, err := eng.StateAtTimestamp(ctx, instance.ID, evt.Timestamp)
	if err != nil {
		t.Fatalf("state at timestamp: %v", err)
	}
	if !state.Equal(evt.NewState) {
		t.Fatalf("expected %v, got %v", evt.NewState, state)
	}

	events, err := eng.GetEvents(ctx, instance.ID, 1, 1)
	if err != nil {
		t.Fatalf("get creation event: %v", err)
	}
	beforeCreation := events[0].Timestamp.Add(-time.Millisecond)
	if _, err := eng.StateAtTimestamp(ctx, instance.ID, beforeCreation); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before creation, got %v", err)
	}

	between, err := eng.StateAtTimestamp(ctx, instance.ID, evt.Timestamp.Add(-time.Millisecond))
	if err != nil {
		t.Fatalf("state between events: %v", err)
	}
	if !between.Equal(instance.CurrentState) {
		t.Fatalf("expected creation state %v, got %v", instance.CurrentState, between)
	}
}

func TestCompareVersionsSameVersionEmpty(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")

	comparison, err := eng.CompareVersions(context.Background(), instance.ID, 1, 1)
	if err != nil {
		t.Fatalf("compare versions: %v", err)
	}
	if len(comparison.Changes) != 0 {
		t.Fatalf("expected no changes, got %v", comparison.Changes)
	}
}

func TestCompareVersionsReportsAddedAndRemovedKeys(t *testing.T) {
	eng := newTestEngine(t, 0)
	eng.Transformers().Register("Replace", func(_, payload statevalue.Map) statevalue.Map {
		return payload.Clone()
	})
	_, instance := mustCreateCounter(t, eng, "c1")

	if _, _, err := eng.ApplyEvent(context.Background(), ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "Replace",
		Payload:          statevalue.Map{"label": statevalue.String("blue")},
		ExpectedVersion:  1,
	}); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	comparison, err := eng.CompareVersions(context.Background(), instance.ID, 1, 2)
	if err != nil {
		t.Fatalf("compare versions: %v", err)
	}
	if len(comparison.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %v", comparison.Changes)
	}

	countChange, ok := comparison.Changes["count"]
	if !ok || countChange.From == nil || countChange.To != nil {
		t.Fatalf("expected count removed, got %+v", countChange)
	}
	labelChange, ok := comparison.Changes["label"]
	if !ok || labelChange.From != nil || labelChange.To == nil {
		t.Fatalf("expected label added, got %+v", labelChange)
	}
}

func TestFieldTimelineMarksAbsentValues(t *testing.T) {
	eng := newTestEngine(t, 0)
	eng.Transformers().Register("Replace", func(_, payload statevalue.Map) statevalue.Map {
		return payload.Clone()
	})
	_, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "Replace",
		Payload:          statevalue.Map{"label": statevalue.String("blue")},
		ExpectedVersion:  1,
	}); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	timeline, err := eng.GetFieldTimeline(ctx, instance.ID, "count")
	if err != nil {
		t.Fatalf("field timeline: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("expected 2 points, got %d", len(timeline))
	}
	if timeline[0].Version != 1 || timeline[0].Value == nil {
		t.Fatalf("expected count present at version 1, got %+v", timeline[0])
	}
	if timeline[1].Version != 2 || timeline[1].Value != nil {
		t.Fatalf("expected count absent at version 2, got %+v", timeline[1])
	}
}

func TestGetSnapshotInfo(t *testing.T) {
	eng := newTestEngine(t, 3)
	_, instance := mustCreateCounter(t, eng, "c1")
	registerIncrement(eng)
	ctx := context.Background()

	info, err := eng.GetSnapshotInfo(ctx, instance.ID)
	if err != nil {
		t.Fatalf("snapshot info: %v", err)
	}
	if info.LatestSnapshot != nil || info.TotalEvents != 1 || info.EventsSinceSnapshot != 1 {
		t.Fatalf("expected no snapshot yet, got %+v", info)
	}

	for version := uint64(1); version <= 4; version++ {
		if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
			EntityInstanceID: instance.ID,
			EventType:        "Increment",
			Payload:          statevalue.Map{"count": statevalue.Number(1)},
			ExpectedVersion:  version,
		}); err != nil {
			t.Fatalf("apply event at version %d: %v", version, err)
		}
	}

	info, err = eng.GetSnapshotInfo(ctx, instance.ID)
	if err != nil {
		t.Fatalf("snapshot info: %v", err)
	}
	if info.LatestSnapshot == nil || info.LatestSnapshot.Version != 3 {
		t.Fatalf("expected snapshot at version 3, got %+v", info.LatestSnapshot)
	}
	if info.TotalEvents != 5 || info.EventsSinceSnapshot != 2 {
		t.Fatalf("expected 5 events with 2 since snapshot, got %+v", info)
	}
}

func TestGetFieldAggregation(t *testing.T) {
	eng := newTestEngine(t, 0)
	entityType, _ := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	for i, count := range []float64{4, 10} {
		externalID := []string{"c2", "c3"}[i]
		if _, err := eng.CreateEntityInstance(ctx, entityType.ID, externalID, statevalue.Map{"count": statevalue.Number(count)}, nil); err != nil {
			t.Fatalf("create instance %s: %v", externalID, err)
		}
	}
	// A non-numeric field value is skipped, not an error.
	if _, err := eng.CreateEntityInstance(ctx, entityType.ID, "c4", statevalue.Map{"count": statevalue.String("n/a")}, nil); err != nil {
		t.Fatalf("create instance c4: %v", err)
	}

	aggregation, err := eng.GetFieldAggregation(ctx, entityType.ID, "count")
	if err != nil {
		t.Fatalf("field aggregation: %v", err)
	}
	if aggregation.Count != 3 {
		t.Fatalf("expected 3 numeric values, got %d", aggregation.Count)
	}
	if aggregation.Sum != 14 || aggregation.Min != 0 || aggregation.Max != 10 {
		t.Fatalf("unexpected aggregation %+v", aggregation)
	}
	if aggregation.Avg != 14.0/3.0 {
		t.Fatalf("expected avg %v, got %v", 14.0/3.0, aggregation.Avg)
	}
}

func TestGetFieldDistribution(t *testing.T) {
	eng := newTestEngine(t, 0)
	entityType, _ := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	for i, count := range []float64{4, 10} {
		externalID := []string{"c2", "c3"}[i]
		if _, err := eng.CreateEntityInstance(ctx, entityType.ID, externalID, statevalue.Map{"count": statevalue.Number(count)}, nil); err != nil {
			t.Fatalf("create instance %s: %v", externalID, err)
		}
	}

	buckets, err := eng.GetFieldDistribution(ctx, entityType.ID, "count", 2)
	if err != nil {
		t.Fatalf("field distribution: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].Bucket != "0.00 - 5.00" || buckets[0].Count != 2 {
		t.Fatalf("expected 2 values in the low bucket, got %+v", buckets[0])
	}
	// The maximum value lands in the last bucket, not past it.
	if buckets[1].Bucket != "5.00 - 10.00" || buckets[1].Count != 1 {
		t.Fatalf("expected 1 value in the high bucket, got %+v", buckets[1])
	}

	empty, err := eng.GetFieldDistribution(ctx, entityType.ID, "missing", 2)
	if err != nil {
		t.Fatalf("field distribution: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no buckets for an absent field, got %+v", empty)
	}
}

func TestGetFieldDistributionIdenticalValues(t *testing.T) {
	eng := newTestEngine(t, 0)
	entityType, _ := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	if _, err := eng.CreateEntityInstance(ctx, entityType.ID, "c2", statevalue.Map{"count": statevalue.Number(0)}, nil); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	buckets, err := eng.GetFieldDistribution(ctx, entityType.ID, "count", 3)
	if err != nil {
		t.Fatalf("field distribution: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	if buckets[0].Count != 2 || buckets[1].Count != 0 || buckets[2].Count != 0 {
		t.Fatalf("expected all identical values in the first bucket, got %+v", buckets)
	}
}

func TestGetEventTypeDistribution(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	for version := uint64(1); version <= 3; version++ {
		if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
			EntityInstanceID: instance.ID,
			EventType:        "SetCount",
			Payload:          statevalue.Map{"count": statevalue.Number(float64(version))},
			ExpectedVersion:  version,
		}); err != nil {
			t.Fatalf("apply event at version %d: %v", version, err)
		}
	}

	distribution, err := eng.GetEventTypeDistribution(ctx, "counter")
	if err != nil {
		t.Fatalf("event type distribution: %v", err)
	}
	if len(distribution) != 2 {
		t.Fatalf("expected 2 event types, got %d", len(distribution))
	}
	if distribution[0].EventType != "SetCount" || distribution[0].Count != 3 || distribution[0].Percentage != 75 {
		t.Fatalf("expected SetCount at 75%%, got %+v", distribution[0])
	}
	if distribution[1].EventType != event.TypeEntityCreated || distribution[1].Count != 1 || distribution[1].Percentage != 25 {
		t.Fatalf("expected EntityCreated at 25%%, got %+v", distribution[1])
	}

	empty, err := eng.GetEventTypeDistribution(ctx, "unused")
	if err != nil {
		t.Fatalf("event type distribution: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty distribution, got %+v", empty)
	}
}

func TestGetEventTimeSeriesCountsAllEvents(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "SetCount",
		Payload:          statevalue.Map{"count": statevalue.Number(1)},
		ExpectedVersion:  1,
	}); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	start := instance.CreatedAt.Add(-time.Minute)
	end := time.Now().Add(time.Minute)
	points, err := eng.GetEventTimeSeries(ctx, "counter", start, end, 0)
	if err != nil {
		t.Fatalf("event time series: %v", err)
	}
	total := 0
	for _, point := range points {
		total += point.Value
	}
	if total != 2 {
		t.Fatalf("expected 2 events across the series, got %d", total)
	}

	if _, err := eng.GetEventTimeSeries(ctx, "counter", end, start, 0); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestGetEntityChangeRate(t *testing.T) {
	eng := newTestEngine(t, 0)
	_, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "SetCount",
		Payload:          statevalue.Map{"count": statevalue.Number(1)},
		ExpectedVersion:  1,
	}); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	// Both events sit inside a one hour window, so the rate is 2 per hour.
	start := instance.CreatedAt.Add(-time.Minute)
	rate, err := eng.GetEntityChangeRate(ctx, instance.ID, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("change rate: %v", err)
	}
	if rate != 2 {
		t.Fatalf("expected 2 events per hour, got %v", rate)
	}

	if _, err := eng.GetEntityChangeRate(ctx, instance.ID, start, start); err == nil {
		t.Fatal("expected error for empty range")
	}
	if _, err := eng.GetEntityChangeRate(ctx, "no-such-instance", start, start.Add(time.Hour)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStateGrowthRate(t *testing.T) {
	eng := newTestEngine(t, 0)
	entityType, _ := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	if _, err := eng.CreateEntityInstance(ctx, entityType.ID, "c2", nil, nil); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	points, err := eng.GetStateGrowthRate(ctx, entityType.ID, start, end)
	if err != nil {
		t.Fatalf("state growth rate: %v", err)
	}
	total := 0
	for _, point := range points {
		total += point.Value
	}
	if total != 2 {
		t.Fatalf("expected 2 created instances, got %d", total)
	}

	if _, err := eng.GetStateGrowthRate(ctx, "no-such-type", start, end); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMostActiveEntities(t *testing.T) {
	eng := newTestEngine(t, 0)
	entityType, instance := mustCreateCounter(t, eng, "c1")
	ctx := context.Background()

	if _, err := eng.CreateEntityInstance(ctx, entityType.ID, "c2", nil, nil); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if _, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
		EntityInstanceID: instance.ID,
		EventType:        "SetCount",
		Payload:          statevalue.Map{"count": statevalue.Number(1)},
		ExpectedVersion:  1,
	}); err != nil {
		t.Fatalf("apply event: %v", err)
	}

	activity, err := eng.GetMostActiveEntities(ctx, "counter", 0)
	if err != nil {
		t.Fatalf("most active entities: %v", err)
	}
	if len(activity) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(activity))
	}
	if activity[0].EntityInstanceID != instance.ID || activity[0].EventCount != 2 {
		t.Fatalf("expected c1 first with 2 events, got %+v", activity[0])
	}
}

func TestCounterScenario(t *testing.T) {
	eng := newTestEngine(t, 0)
	registerIncrement(eng)
	ctx := context.Background()

	entityType, err := eng.CreateEntityType(ctx, "counter", "", statevalue.Map{}, nil)
	if err != nil {
		t.Fatalf("create entity type: %v", err)
	}
	instance, err := eng.CreateEntityInstance(ctx, entityType.ID, "c1", statevalue.Map{"count": statevalue.Number(0)}, nil)
	if err != nil {
		t.Fatalf("create entity instance: %v", err)
	}
	if instance.Version != 1 {
		t.Fatalf("expected version 1, got %d", instance.Version)
	}

	for version := uint64(1); version <= 10; version++ {
		updated, _, err := eng.ApplyEvent(ctx, ApplyEventInput{
			EntityInstanceID: instance.ID,
			EventType:        "Increment",
			Payload:          statevalue.Map{"count": statevalue.Number(1)},
			ExpectedVersion:  version,
		})
		if err != nil {
			t.Fatalf("increment at version %d: %v", version, err)
		}
		if updated.Version != version+1 {
			t.Fatalf("expected version %d, got %d", version+1, updated.Version)
		}
	}

	info, err := eng.GetSnapshotInfo(ctx, instance.ID)
	if err != nil {
		t.Fatalf("snapshot info: %v", err)
	}
	if info.LatestSnapshot == nil || info.LatestSnapshot.Version != 10 {
		t.Fatalf("expected snapshot at version 10, got %+v", info.LatestSnapshot)
	}
	snapshotState := statevalue.Map{"count": statevalue.Number(9)}
	if !info.LatestSnapshot.State.Equal(snapshotState) {
		t.Fatalf("expected snapshot state %v, got %v", snapshotState, info.LatestSnapshot.State)
	}

	finalState := statevalue.Map{"count": statevalue.Number(10)}
	rebuilt, err := eng.RebuildState(ctx, instance.ID, 11)
	if err != nil {
		t.Fatalf("rebuild state: %v", err)
	}
	if !rebuilt.Equal(finalState) {
		t.Fatalf("expected rebuilt state %v, got %v", finalState, rebuilt)
	}

	comparison, err := eng.CompareVersions(ctx, instance.ID, 1, 11)
	if err != nil {
		t.Fatalf("compare versions: %v", err)
	}
	change, ok := comparison.Changes["count"]
	if !ok || len(comparison.Changes) != 1 {
		t.Fatalf("expected a single count change, got %v", comparison.Changes)
	}
	if change.From == nil || !change.From.Equal(statevalue.Number(0)) {
		t.Fatalf("expected from 0, got %v", change.From)
	}
	if change.To == nil || !change.To.Equal(statevalue.Number(10)) {
		t.Fatalf("expected to 10, got %v", change.To)
	}

	fast, err := eng.GetCurrentStateFast(ctx, entityType.ID, "c1")
	if err != nil {
		t.Fatalf("fast read: %v", err)
	}
	if !fast.FromCache || fast.Version != 11 || !fast.State.Equal(finalState) {
		t.Fatalf("expected coherent cache hit at version 11, got %+v", fast)
	}

	events, err := eng.GetEvents(ctx, instance.ID, 0, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 11 {
		t.Fatalf("expected 11 events, got %d", len(events))
	}
	for i, evt := range events {
		if evt.Version != uint64(i+1) {
			t.Fatalf("expected gapless versions, got %d at index %d", evt.Version, i)
		}
	}
	if events[0].Type != event.TypeEntityCreated {
		t.Fatalf("expected creation event first, got %q", events[0].Type)
	}
}
