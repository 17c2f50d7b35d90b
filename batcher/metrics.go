package batcher

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/filecoin-project/go-tsimplex/internal/measurements"
)

var (
	meter = otel.Meter("tsimplex/batcher")

	attrKind       = attribute.Key("kind")
	attrSubmission = attribute.Key("submission")

	attrStatusAccepted  = attribute.String("status", "accepted")
	attrStatusDropped   = attribute.String("status", "dropped")
	attrStatusDuplicate = attribute.String("status", "duplicate")
	attrStatusInvalid   = attribute.String("status", "invalid")
	attrStatusStale     = attribute.String("status", "stale")
)

var metrics = struct {
	submitted      metric.Int64Counter
	verifiedGroups metric.Int64Counter
	invalidSigners metric.Int64Counter
	evidence       metric.Int64Counter
	pendingGroups  metric.Int64UpDownCounter
}{
	submitted: measurements.Must(meter.Int64Counter(
		"tsimplex_batcher_submitted",
		metric.WithDescription("Number of submissions labelled by type and status."),
	)),
	verifiedGroups: measurements.Must(meter.Int64Counter(
		"tsimplex_batcher_verified_groups",
		metric.WithDescription("Number of vote groups emitted with a verified quorum."),
	)),
	invalidSigners: measurements.Must(meter.Int64Counter(
		"tsimplex_batcher_invalid_signers",
		metric.WithDescription("Number of partial signatures that failed verification."),
	)),
	evidence: measurements.Must(meter.Int64Counter(
		"tsimplex_batcher_evidence",
		metric.WithDescription("Number of equivocations detected."),
	)),
	pendingGroups: measurements.Must(meter.Int64UpDownCounter(
		"tsimplex_batcher_pending_groups",
		metric.WithDescription("Number of vote groups held."),
	)),
}
