package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/temporalstate/temporalstate/internal/event"
	"github.com/temporalstate/temporalstate/internal/statevalue"
	"github.com/temporalstate/temporalstate/internal/storage"
)

// RebuildState reconstructs an instance's state at targetVersion by
// replaying the journal on top of the closest earlier snapshot. A zero
// targetVersion means the latest version.
//
// The result at the instance's current version is always identical to the
// stored current state; snapshots only shorten the replay.
func (e *Engine) RebuildState(ctx context.Context, entityInstanceID string, targetVersion uint64) (statevalue.Map, error) {
	if _, err := e.store.GetInstance(ctx, entityInstanceID); err != nil {
		return nil, err
	}

	var (
		snapshot storage.Snapshot
		err      error
	)
	if targetVersion == 0 {
		snapshot, err = e.store.LatestSnapshot(ctx, entityInstanceID)
	} else {
		snapshot, err = e.store.SnapshotAtOrBefore(ctx, entityInstanceID, targetVersion)
	}

	state := statevalue.Map{}
	replayFrom := uint64(1)
	switch {
	case err == nil:
		state = snapshot.State.Clone()
		replayFrom = snapshot.Version + 1
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	events, err := e.store.GetEvents(ctx, entityInstanceID, replayFrom, targetVersion)
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		state = evt.NewState.Clone()
	}
	return state, nil
}

// StateAtTimestamp returns the state as of a wall-clock instant: the new
// state of the latest event with timestamp <= at. Before the creation event
// it returns storage.ErrNotFound.
func (e *Engine) StateAtTimestamp(ctx context.Context, entityInstanceID string, at time.Time) (statevalue.Map, error) {
	evt, err := e.store.LatestEventAt(ctx, entityInstanceID, at)
	if err != nil {
		return nil, err
	}
	return evt.NewState.Clone(), nil
}

// Change records one key's values on each side of a comparison; a nil side
// means the key is absent in that version.
type Change struct {
	From *statevalue.Value
	To   *statevalue.Value
}

// StateComparison is the result of comparing an instance's state at two
// versions.
type StateComparison struct {
	State1  statevalue.Map
	State2  statevalue.Map
	Changes map[string]Change
}

// CompareVersions reconstructs the state at two versions and reports every
// key whose value differs under deep equality, including keys present on
// only one side.
func (e *Engine) CompareVersions(ctx context.Context, entityInstanceID string, v1, v2 uint64) (StateComparison, error) {
	if v1 == 0 || v2 == 0 {
		return StateComparison{}, fmt.Errorf("versions must be greater than zero")
	}

	state1, err := e.RebuildState(ctx, entityInstanceID, v1)
	if err != nil {
		return StateComparison{}, err
	}
	state2, err := e.RebuildState(ctx, entityInstanceID, v2)
	if err != nil {
		return StateComparison{}, err
	}

	changes := map[string]Change{}
	for _, key := range unionKeys(state1, state2) {
		value1, ok1 := state1[key]
		value2, ok2 := state2[key]
		if ok1 && ok2 && value1.Equal(value2) {
			continue
		}
		change := Change{}
		if ok1 {
			from := value1.Clone()
			change.From = &from
		}
		if ok2 {
			to := value2.Clone()
			change.To = &to
		}
		changes[key] = change
	}

	return StateComparison{State1: state1, State2: state2, Changes: changes}, nil
}

func unionKeys(a, b statevalue.Map) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		seen[key] = struct{}{}
	}
	for key := range b {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// TimelinePoint is one event's contribution to a field's history; a nil
// Value means the field was absent after that event.
type TimelinePoint struct {
	Timestamp time.Time
	Version   uint64
	Value     *statevalue.Value
}

// GetFieldTimeline returns one point per event, ascending by version, with
// the field's value in that event's resulting state.
func (e *Engine) GetFieldTimeline(ctx context.Context, entityInstanceID, field string) ([]TimelinePoint, error) {
	events, err := e.store.GetEvents(ctx, entityInstanceID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := e.store.GetInstance(ctx, entityInstanceID); err != nil {
			return nil, err
		}
	}

	timeline := make([]TimelinePoint, 0, len(events))
	for _, evt := range events {
		point := TimelinePoint{Timestamp: evt.Timestamp, Version: evt.Version}
		if value, ok := evt.NewState[field]; ok {
			cloned := value.Clone()
			point.Value = &cloned
		}
		timeline = append(timeline, point)
	}
	return timeline, nil
}

// GetEvents returns an instance's events ascending by version; zero bounds
// mean unbounded.
func (e *Engine) GetEvents(ctx context.Context, entityInstanceID string, fromVersion, toVersion uint64) ([]event.Event, error) {
	return e.store.GetEvents(ctx, entityInstanceID, fromVersion, toVersion)
}

// GetEventsInTimeRange returns an instance's events with timestamps in
// [start, end], ascending by timestamp.
func (e *Engine) GetEventsInTimeRange(ctx context.Context, entityInstanceID string, start, end time.Time) ([]event.Event, error) {
	return e.store.GetEventsInTimeRange(ctx, entityInstanceID, start, end)
}

// GetEventHistory returns a page of an instance's events plus the total
// count.
func (e *Engine) GetEventHistory(ctx context.Context, entityInstanceID string, limit, offset int) ([]event.Event, int, error) {
	return e.store.GetEventHistory(ctx, entityInstanceID, limit, offset)
}

// GetEventsByCorrelationID returns the most recent events sharing a
// correlation id.
func (e *Engine) GetEventsByCorrelationID(ctx context.Context, correlationID string, limit int) ([]event.Event, error) {
	return e.store.GetEventsByCorrelationID(ctx, correlationID, limit)
}

// CountEvents returns the number of committed events for an instance.
func (e *Engine) CountEvents(ctx context.Context, entityInstanceID string) (int, error) {
	return e.store.CountEvents(ctx, entityInstanceID)
}
