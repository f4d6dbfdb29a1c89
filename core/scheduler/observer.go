package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosched/core/transaction"
	internaltelemetry "github.com/sushant-115/gojosched/internal/telemetry"
)

// txnObserver is installed on every queue. Its fields are fixed at admission,
// so worker goroutines can read them without synchronization.
type txnObserver struct {
	s          *Scheduler
	span       trace.Span
	admittedAt time.Time
}

func (o *txnObserver) QueueRunning(q *transaction.Queue) {
	o.s.metrics.WaitDurationHistogram.Record(context.Background(), time.Since(o.admittedAt).Milliseconds())
	o.span.AddEvent("running")
}

func (o *txnObserver) ItemExecuted(q *transaction.Queue) {
	o.s.metrics.ItemsExecutedCounter.Add(context.Background(), 1)
}

// QueueDrained posts the finish notification to the coordination goroutine.
// Once the scheduler has stopped there is no graph left to update, so the
// callback fires here on the worker goroutine.
func (o *txnObserver) QueueDrained(q *transaction.Queue, cb transaction.FinishCallback) {
	o.span.AddEvent("drained")
	err := o.s.post(func() {
		o.s.registry.finishTransaction(q, cb)
	})
	if err != nil {
		o.s.logger.Warn("Transaction drained after shutdown",
			zap.Uint64("txnID", uint64(q.TransactionID())),
			zap.String("databaseID", q.DatabaseID()),
			zap.Bool("callback", cb != nil),
			zap.Error(err))
		fireFinishCallback(cb)
	}
}

// poolObserver feeds worker pool activity into the scheduler metrics.
type poolObserver struct {
	metrics *internaltelemetry.SchedulerMetrics
}

func (p *poolObserver) TaskSubmitted() {
	p.metrics.PoolSubmittedCounter.Add(context.Background(), 1)
}

func (p *poolObserver) TaskStarted() {
	p.metrics.PoolBusyUpDownCounter.Add(context.Background(), 1)
}

func (p *poolObserver) TaskDone() {
	p.metrics.PoolBusyUpDownCounter.Add(context.Background(), -1)
}
