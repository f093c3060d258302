package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	nameKey   = attribute.Key("task.name")
	resultKey = attribute.Key("task.result")
)

// Monitor records per-task execution counts and durations. Plugged into the
// gocron scheduler with gocron.WithMonitorStatus.
type Monitor struct {
	taskCount    metric.Int64Counter
	taskDuration metric.Float64Histogram
}

func NewMonitor() (*Monitor, error) {
	meter := otel.Meter("gocron")

	taskCount, err := meter.Int64Counter(
		"gocron.task_count_total",
		metric.WithDescription("Total number of tasks executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task count metric: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		"gocron.task_duration_milliseconds",
		metric.WithDescription("Duration of tasks in milliseconds."),
		metric.WithUnit("ms"),
		// Reconciliation passes can run for tens of seconds, so the buckets
		// reach 60s instead of stopping at the usual sub-second ones.
		metric.WithExplicitBucketBoundaries(
			100, 250, 500, 750, 1000, 2500, 5000, 7500, 10000, 15000, 30000, 45000, 60000,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task duration metric: %w", err)
	}

	return &Monitor{
		taskCount:    taskCount,
		taskDuration: taskDuration,
	}, nil
}

func (t *Monitor) IncrementJob(_ uuid.UUID, _ string, _ []string, _ gocron.JobStatus) {}

func (t *Monitor) RecordJobTiming(_, _ time.Time, _ uuid.UUID, _ string, _ []string) {}

func (t *Monitor) RecordJobTimingWithStatus(startTime, endTime time.Time, _ uuid.UUID, name string, _ []string, status gocron.JobStatus, err error) {
	jobStatus := string(status)
	switch {
	case errors.Is(err, errTaskPanic):
		jobStatus = "panic"
	case errors.Is(err, errTaskTimeout):
		jobStatus = "timeout"
	}

	t.taskCount.Add(
		context.Background(),
		1,
		metric.WithAttributes(
			nameKey.String(name),
			resultKey.String(jobStatus),
		),
	)

	t.taskDuration.Record(
		context.Background(),
		float64(endTime.Sub(startTime).Milliseconds()),
		metric.WithAttributes(
			nameKey.String(name),
		),
	)
}
