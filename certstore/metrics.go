package certstore

import (
	"github.com/filecoin-project/go-tsimplex/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("tsimplex/certstore")

var attrKind = attribute.Key("kind")

var metrics = struct {
	latestFinalized metric.Int64Gauge
	stored          metric.Int64Counter
}{
	latestFinalized: measurements.Must(meter.Int64Gauge("tsimplex_certstore_latest_finalized", metric.WithDescription("The latest finalized view available in certstore."))),
	stored:          measurements.Must(meter.Int64Counter("tsimplex_certstore_stored", metric.WithDescription("Number of certificates stored, labelled by kind."))),
}
