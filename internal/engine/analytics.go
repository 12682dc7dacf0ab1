package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/temporalstate/temporalstate/internal/statevalue"
	"github.com/temporalstate/temporalstate/internal/storage"
)

const (
	aggregationPageSize        = 500
	defaultTimeSeriesBucket    = time.Hour
	instanceGrowthBucket       = 24 * time.Hour
	defaultDistributionBuckets = 10
	defaultMostActiveLimit     = 10
)

// GetEventStatistics aggregates journal activity for one entity type.
func (e *Engine) GetEventStatistics(ctx context.Context, entityTypeName string) (storage.EventStatistics, error) {
	return e.store.GetEventStatistics(ctx, entityTypeName)
}

// GetEventCountByType counts a type's events per event type within
// [start, end].
func (e *Engine) GetEventCountByType(ctx context.Context, entityTypeName string, start, end time.Time) (map[string]int, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end must not precede start")
	}
	return e.store.CountEventsByType(ctx, entityTypeName, start, end)
}

// TimeSeriesPoint is one bucket of a time-bucketed count.
type TimeSeriesPoint struct {
	Timestamp time.Time
	Value     int
}

// GetEventTimeSeries counts a type's events in [start, end] bucketed by the
// given interval. A non-positive bucket falls back to one hour.
func (e *Engine) GetEventTimeSeries(ctx context.Context, entityTypeName string, start, end time.Time, bucket time.Duration) ([]TimeSeriesPoint, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end must not precede start")
	}
	if bucket <= 0 {
		bucket = defaultTimeSeriesBucket
	}
	buckets, err := e.store.EventCountBuckets(ctx, entityTypeName, start, end, bucket)
	if err != nil {
		return nil, err
	}
	return toTimeSeries(buckets), nil
}

func toTimeSeries(buckets []storage.TimeBucket) []TimeSeriesPoint {
	points := make([]TimeSeriesPoint, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, TimeSeriesPoint{Timestamp: b.Start, Value: b.Count})
	}
	return points
}

// FieldAggregation summarizes a numeric field across a type's current
// states. Count is the number of instances carrying the field as a number;
// Min, Max, and Avg are zero when Count is zero.
type FieldAggregation struct {
	Field string
	Count int
	Sum   float64
	Min   float64
	Max   float64
	Avg   float64
}

// GetFieldAggregation computes min/max/avg/sum/count of a numeric field over
// every instance of a type, skipping instances where the field is absent or
// non-numeric.
func (e *Engine) GetFieldAggregation(ctx context.Context, entityTypeID, field string) (FieldAggregation, error) {
	values, err := e.numericFieldValues(ctx, entityTypeID, field)
	if err != nil {
		return FieldAggregation{}, err
	}

	aggregation := FieldAggregation{Field: field}
	for _, number := range values {
		if aggregation.Count == 0 {
			aggregation.Min = number
			aggregation.Max = number
		} else {
			if number < aggregation.Min {
				aggregation.Min = number
			}
			if number > aggregation.Max {
				aggregation.Max = number
			}
		}
		aggregation.Count++
		aggregation.Sum += number
	}
	if aggregation.Count > 0 {
		aggregation.Avg = aggregation.Sum / float64(aggregation.Count)
	}
	return aggregation, nil
}

// DistributionBucket is one histogram bucket of a numeric field.
type DistributionBucket struct {
	Bucket string
	Count  int
}

// GetFieldDistribution builds an equal-width histogram of a numeric field
// over a type's current states. A non-positive bucketCount falls back to 10;
// when every value is identical all of them land in the first bucket.
func (e *Engine) GetFieldDistribution(ctx context.Context, entityTypeID, field string, bucketCount int) ([]DistributionBucket, error) {
	if bucketCount <= 0 {
		bucketCount = defaultDistributionBuckets
	}
	values, err := e.numericFieldValues(ctx, entityTypeID, field)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return []DistributionBucket{}, nil
	}

	min, max := values[0], values[0]
	for _, number := range values[1:] {
		if number < min {
			min = number
		}
		if number > max {
			max = number
		}
	}
	bucketSize := (max - min) / float64(bucketCount)

	counts := make([]int, bucketCount)
	for _, number := range values {
		index := 0
		if bucketSize > 0 {
			index = int((number - min) / bucketSize)
			if index >= bucketCount {
				index = bucketCount - 1
			}
		}
		counts[index]++
	}

	buckets := make([]DistributionBucket, 0, bucketCount)
	for i, count := range counts {
		low := min + float64(i)*bucketSize
		high := min + float64(i+1)*bucketSize
		buckets = append(buckets, DistributionBucket{
			Bucket: fmt.Sprintf("%.2f - %.2f", low, high),
			Count:  count,
		})
	}
	return buckets, nil
}

// numericFieldValues collects the numeric values of a field across every
// current state of a type, paging through the catalog.
func (e *Engine) numericFieldValues(ctx context.Context, entityTypeID, field string) ([]float64, error) {
	if strings.TrimSpace(field) == "" {
		return nil, fmt.Errorf("field is required")
	}
	if _, err := e.store.GetEntityType(ctx, entityTypeID); err != nil {
		return nil, err
	}

	var values []float64
	offset := 0
	for {
		instances, total, err := e.store.ListInstances(ctx, entityTypeID, aggregationPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, instance := range instances {
			value, ok := instance.CurrentState[field]
			if !ok || value.Kind() != statevalue.KindNumber {
				continue
			}
			values = append(values, value.NumberValue())
		}
		offset += len(instances)
		if len(instances) == 0 || offset >= total {
			break
		}
	}
	return values, nil
}

// GetEntityChangeRate reports an instance's events per hour over
// [start, end].
func (e *Engine) GetEntityChangeRate(ctx context.Context, entityInstanceID string, start, end time.Time) (float64, error) {
	if !end.After(start) {
		return 0, fmt.Errorf("end must be after start")
	}
	if _, err := e.store.GetInstance(ctx, entityInstanceID); err != nil {
		return 0, err
	}
	events, err := e.store.GetEventsInTimeRange(ctx, entityInstanceID, start, end)
	if err != nil {
		return 0, err
	}
	return float64(len(events)) / end.Sub(start).Hours(), nil
}

// GetMostActiveEntities returns the instances of a type with the most
// committed events. A non-positive limit falls back to 10.
func (e *Engine) GetMostActiveEntities(ctx context.Context, entityTypeName string, limit int) ([]storage.InstanceActivity, error) {
	if limit <= 0 {
		limit = defaultMostActiveLimit
	}
	return e.store.MostActiveInstances(ctx, entityTypeName, limit)
}

// EventTypeShare is one event type's share of a type's journal.
type EventTypeShare struct {
	EventType  string
	Count      int
	Percentage float64
}

// GetEventTypeDistribution reports each event type's share of a type's
// journal, descending by count. An empty journal yields an empty slice.
func (e *Engine) GetEventTypeDistribution(ctx context.Context, entityTypeName string) ([]EventTypeShare, error) {
	stats, err := e.store.GetEventStatistics(ctx, entityTypeName)
	if err != nil {
		return nil, err
	}
	if stats.TotalEvents == 0 {
		return []EventTypeShare{}, nil
	}

	distribution := make([]EventTypeShare, 0, len(stats.EventsByType))
	for eventType, count := range stats.EventsByType {
		distribution = append(distribution, EventTypeShare{
			EventType:  eventType,
			Count:      count,
			Percentage: float64(count) / float64(stats.TotalEvents) * 100,
		})
	}
	sort.Slice(distribution, func(i, j int) bool {
		if distribution[i].Count != distribution[j].Count {
			return distribution[i].Count > distribution[j].Count
		}
		return distribution[i].EventType < distribution[j].EventType
	})
	return distribution, nil
}

// GetStateGrowthRate counts instances of a type created per day over
// [start, end].
func (e *Engine) GetStateGrowthRate(ctx context.Context, entityTypeID string, start, end time.Time) ([]TimeSeriesPoint, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end must not precede start")
	}
	if _, err := e.store.GetEntityType(ctx, entityTypeID); err != nil {
		return nil, err
	}
	buckets, err := e.store.InstanceCreationBuckets(ctx, entityTypeID, start, end, instanceGrowthBucket)
	if err != nil {
		return nil, err
	}
	return toTimeSeries(buckets), nil
}

// SnapshotInfo reports an instance's snapshot coverage: the latest snapshot
// (nil when none exists), the journal length, and how many events a rebuild
// from the snapshot replays.
type SnapshotInfo struct {
	LatestSnapshot      *storage.Snapshot
	TotalEvents         int
	EventsSinceSnapshot int
}

// GetSnapshotInfo reports snapshot coverage for an instance.
func (e *Engine) GetSnapshotInfo(ctx context.Context, entityInstanceID string) (SnapshotInfo, error) {
	if _, err := e.store.GetInstance(ctx, entityInstanceID); err != nil {
		return SnapshotInfo{}, err
	}

	total, err := e.store.CountEvents(ctx, entityInstanceID)
	if err != nil {
		return SnapshotInfo{}, err
	}

	info := SnapshotInfo{TotalEvents: total, EventsSinceSnapshot: total}
	snapshot, err := e.store.LatestSnapshot(ctx, entityInstanceID)
	switch {
	case err == nil:
		info.LatestSnapshot = &snapshot
		info.EventsSinceSnapshot = total - int(snapshot.Version)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return SnapshotInfo{}, err
	}
	return info, nil
}
