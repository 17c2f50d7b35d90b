package tsimplex

import (
	"context"
	"time"

	"github.com/filecoin-project/go-tsimplex/internal/measurements"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("tsimplex")

var (
	attrKind      = attribute.Key("kind")
	attrDirection = attribute.Key("direction")
	attrStatus    = attribute.Key("status")
)

var metrics = struct {
	currentView      metric.Int64Gauge
	lastFinalized    metric.Int64Gauge
	certificates     metric.Int64Counter
	evidence         metric.Int64Counter
	faults           metric.Int64Counter
	messages         metric.Int64Counter
	journalPurgeErrs metric.Int64Counter
	validationTime   metric.Float64Histogram
}{
	currentView:   measurements.Must(meter.Int64Gauge("tsimplex_current_view", metric.WithDescription("The view the voter is voting in."))),
	lastFinalized: measurements.Must(meter.Int64Gauge("tsimplex_last_finalized", metric.WithDescription("The highest view reported finalized."))),
	certificates: measurements.Must(meter.Int64Counter("tsimplex_certificates",
		metric.WithDescription("Number of certificates reported by the voter, labelled by kind."))),
	evidence: measurements.Must(meter.Int64Counter("tsimplex_evidence",
		metric.WithDescription("Number of equivocations detected, labelled by kind."))),
	faults: measurements.Must(meter.Int64Counter("tsimplex_faults",
		metric.WithDescription("Number of vote groups with invalid partial signatures, labelled by kind."))),
	messages: measurements.Must(meter.Int64Counter("tsimplex_messages",
		metric.WithDescription("Number of consensus messages sent or received over pubsub, labelled by direction and status."))),
	journalPurgeErrs: measurements.Must(meter.Int64Counter("tsimplex_journal_purge_errors",
		metric.WithDescription("Number of failed attempts to purge old journal files."))),
	validationTime: measurements.Must(meter.Float64Histogram("tsimplex_validation_time_ms",
		metric.WithDescription("Histogram of time spent validating broadcasted messages in milliseconds"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 50.0, 100.0),
		metric.WithUnit("ms"),
	)),
}

func recordValidationTime(ctx context.Context, start time.Time, result pubsub.ValidationResult) {
	metrics.validationTime.Record(
		ctx,
		float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(measurements.AttrFromPubSubValidationResult(result)))
}

func recordMessage(ctx context.Context, direction, status string) {
	metrics.messages.Add(ctx, 1, metric.WithAttributes(attrDirection.String(direction), attrStatus.String(status)))
}
