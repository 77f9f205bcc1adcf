package bulk

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/handlebar/internal/types"
)

// Metrics are no-ops unless telemetry installed a meter provider; the
// instruments stay nil and recordItemMetrics returns early.
var (
	metricsOnce     sync.Once
	itemCounter     metric.Int64Counter
	conflictCounter metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("handlebar/bulk")
	var err error
	itemCounter, err = meter.Int64Counter("handlebar.bulk.item_outcomes",
		metric.WithDescription("Per-item action outcomes by kind and outcome"))
	if err != nil {
		itemCounter = nil
	}
	conflictCounter, err = meter.Int64Counter("handlebar.bulk.conflict_retries",
		metric.WithDescription("Optimistic-concurrency conflicts resolved by refetch-and-retry"))
	if err != nil {
		conflictCounter = nil
	}
}

func recordItemMetrics(ctx context.Context, kind types.ActionKind, outcome types.Outcome, retried bool) {
	if itemCounter != nil {
		itemCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(kind)),
			attribute.String("outcome", string(outcome)),
		))
	}
	if retried && conflictCounter != nil {
		conflictCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(kind)),
		))
	}
}
