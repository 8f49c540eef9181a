// Package txmetrics provides the OpenTelemetry instrumentation for the
// transactions engine, grounded on the teacher's package-level meter and
// counter/histogram instruments (metrics.go, kvclienttelem.go).
package txmetrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/brett19/dtxn/transactions")

var (
	attemptsStarted, _ = meter.Int64Counter("dtxn.transactions.attempts_started")
	attemptsCommitted, _ = meter.Int64Counter("dtxn.transactions.attempts_committed")
	attemptsRolledBack, _ = meter.Int64Counter("dtxn.transactions.attempts_rolled_back")
	transactionsExpired, _ = meter.Int64Counter("dtxn.transactions.expired")

	cleanupRuns, _    = meter.Int64Counter("dtxn.transactions.cleanup_runs")
	cleanupFailures, _ = meter.Int64Counter("dtxn.transactions.cleanup_failures")
	lostAttemptsCleaned, _ = meter.Int64Counter("dtxn.transactions.lost_attempts_cleaned")

	attemptDuration, _ = meter.Float64Histogram("dtxn.transactions.attempt.duration",
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60))
)

// RecordAttemptStarted increments the attempts-started counter for a new
// transaction attempt.
func RecordAttemptStarted(ctx context.Context) {
	attemptsStarted.Add(ctx, 1)
}

// RecordAttemptOutcome records the terminal state of one attempt (committed
// or rolled back) along with its wall-clock duration.
func RecordAttemptOutcome(ctx context.Context, committed bool, duration time.Duration) {
	attrs := attribute.NewSet(attribute.Bool("committed", committed))
	if committed {
		attemptsCommitted.Add(ctx, 1, metric.WithAttributeSet(attrs))
	} else {
		attemptsRolledBack.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
	attemptDuration.Record(ctx, duration.Seconds(), metric.WithAttributeSet(attrs))
}

// RecordExpired increments the counter of transactions that surfaced
// TransactionExpiredError to the caller.
func RecordExpired(ctx context.Context) {
	transactionsExpired.Add(ctx, 1)
}

// RecordCleanupRun increments the cleanup-attempt counter; failed records
// the cleanup-failure counter alongside it when the attempt did not unstage
// cleanly.
func RecordCleanupRun(ctx context.Context, bucketName string, failed bool) {
	attrs := attribute.NewSet(attribute.String("bucket", bucketName))
	cleanupRuns.Add(ctx, 1, metric.WithAttributeSet(attrs))
	if failed {
		cleanupFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

// RecordLostAttemptCleaned increments the counter of attempts recovered by
// the lost-transaction scanner rather than the originating client's own
// Cleanup Queue.
func RecordLostAttemptCleaned(ctx context.Context, bucketName string) {
	lostAttemptsCleaned.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String("bucket", bucketName))))
}
