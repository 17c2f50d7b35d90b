package threshold

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/filecoin-project/go-tsimplex/internal/measurements"
)

var (
	meter = otel.Meter("tsimplex/threshold")

	attrCached    = attribute.Key("cached")
	attrThreshold = attribute.Key("threshold")
)

var metrics = struct {
	signed            metric.Int64Counter
	verifyPartial     metric.Int64Counter
	verifyBatch       metric.Int64Histogram
	batchFallback     metric.Int64Counter
	aggregate         metric.Int64Counter
	verifyCertificate metric.Int64Counter
}{
	signed: measurements.Must(meter.Int64Counter(
		"tsimplex_threshold_signed",
		metric.WithDescription("Number of partial signatures produced."),
	)),
	verifyPartial: measurements.Must(meter.Int64Counter(
		"tsimplex_threshold_verify_partial",
		metric.WithDescription("Number of partial signatures verified individually."),
	)),
	verifyBatch: measurements.Must(meter.Int64Histogram(
		"tsimplex_threshold_verify_batch",
		metric.WithDescription("Partial signatures verified per batch."),
	)),
	batchFallback: measurements.Must(meter.Int64Counter(
		"tsimplex_threshold_batch_fallback",
		metric.WithDescription("Number of batch verifications that fell back to individual checks."),
	)),
	aggregate: measurements.Must(meter.Int64Counter(
		"tsimplex_threshold_aggregate",
		metric.WithDescription("Number of group signatures recovered from partials."),
	)),
	verifyCertificate: measurements.Must(meter.Int64Counter(
		"tsimplex_threshold_verify_certificate",
		metric.WithDescription("Number of aggregate signatures verified."),
	)),
}
