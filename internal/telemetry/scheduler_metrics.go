package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// SchedulerMetrics holds all the metric instruments for the transaction scheduler.
type SchedulerMetrics struct {
	AdmittedCounter           metric.Int64Counter
	BlockedOnAdmissionCounter metric.Int64Counter
	FinishedCounter           metric.Int64Counter
	ActiveUpDownCounter       metric.Int64UpDownCounter
	WaitDurationHistogram     metric.Int64Histogram
	ItemsExecutedCounter      metric.Int64Counter
	WaitersFiredCounter       metric.Int64Counter
	PoolBusyUpDownCounter     metric.Int64UpDownCounter
	PoolSubmittedCounter      metric.Int64Counter
}

// NewSchedulerMetrics creates and registers all the metrics for the scheduler.
func NewSchedulerMetrics(meter metric.Meter) (*SchedulerMetrics, error) {
	admitted, err := meter.Int64Counter(
		"gojosched.txn.admitted_total",
		metric.WithDescription("Total number of transactions admitted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	blocked, err := meter.Int64Counter(
		"gojosched.txn.blocked_on_admission_total",
		metric.WithDescription("Transactions that had to wait for another transaction when admitted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	finished, err := meter.Int64Counter(
		"gojosched.txn.finished_total",
		metric.WithDescription("Total number of transactions whose finish was processed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"gojosched.txn.active",
		metric.WithDescription("Number of admitted transactions not yet finished."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waitDuration, err := meter.Int64Histogram(
		"gojosched.txn.wait_duration",
		metric.WithDescription("Time from admission until a worker starts the transaction."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	itemsExecuted, err := meter.Int64Counter(
		"gojosched.queue.items_executed_total",
		metric.WithDescription("Total number of work items executed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waitersFired, err := meter.Int64Counter(
		"gojosched.waiters.fired_total",
		metric.WithDescription("Completion waiters fired."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	poolBusy, err := meter.Int64UpDownCounter(
		"gojosched.pool.busy",
		metric.WithDescription("Worker goroutines currently running a transaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	poolSubmitted, err := meter.Int64Counter(
		"gojosched.pool.submitted_total",
		metric.WithDescription("Tasks submitted to the worker pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &SchedulerMetrics{
		AdmittedCounter:           admitted,
		BlockedOnAdmissionCounter: blocked,
		FinishedCounter:           finished,
		ActiveUpDownCounter:       active,
		WaitDurationHistogram:     waitDuration,
		ItemsExecutedCounter:      itemsExecuted,
		WaitersFiredCounter:       waitersFired,
		PoolBusyUpDownCounter:     poolBusy,
		PoolSubmittedCounter:      poolSubmitted,
	}, nil
}
