package resolver

import (
	"github.com/filecoin-project/go-tsimplex/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("tsimplex/resolver")

var (
	attrOutcome = attribute.Key("outcome")

	attrOutcomeResolved = attrOutcome.String("resolved")
	attrOutcomeMissing  = attrOutcome.String("missing")
	attrOutcomeInvalid  = attrOutcome.String("invalid")
	attrOutcomeFailed   = attrOutcome.String("failed")
)

var metrics = struct {
	requestLatency     metric.Float64Histogram
	serveTime          metric.Float64Histogram
	certificatesServed metric.Int64Histogram
	views              metric.Int64Counter
	pending            metric.Int64UpDownCounter
}{
	requestLatency: measurements.Must(meter.Float64Histogram(
		"tsimplex_resolver_request_latency",
		metric.WithDescription("The outbound request latency."),
		metric.WithUnit("s"),
	)),
	serveTime: measurements.Must(meter.Float64Histogram(
		"tsimplex_resolver_serve_time",
		metric.WithDescription("The time spent serving requests."),
		metric.WithUnit("s"),
	)),
	certificatesServed: measurements.Must(meter.Int64Histogram(
		"tsimplex_resolver_certificates_served",
		metric.WithDescription("The number of certificates served (per request)."),
		metric.WithUnit("{certificate}"),
	)),
	views: measurements.Must(meter.Int64Counter(
		"tsimplex_resolver_views",
		metric.WithDescription("Number of views fetched from peers, labelled by outcome."),
	)),
	pending: measurements.Must(meter.Int64UpDownCounter(
		"tsimplex_resolver_pending_views",
		metric.WithDescription("Number of views waiting to be resolved."),
	)),
}
