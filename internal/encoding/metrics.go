package encoding

import (
	"context"
	"time"

	"github.com/filecoin-project/go-tsimplex/internal/measurements"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrCodec        = attribute.Key("codec")
	attrCodecCbor    = attrCodec.String("cbor")
	attrCodecZstd    = attrCodec.String("zstd")
	attrAction       = attribute.Key("action")
	attrActionEncode = attrAction.String("encode")
	attrActionDecode = attrAction.String("decode")

	meter = otel.Meter("tsimplex/internal/encoding")

	metrics = struct {
		codecTime        metric.Float64Histogram
		encodedSize      metric.Int64Histogram
		compressionRatio metric.Float64Histogram
	}{
		codecTime: measurements.Must(meter.Float64Histogram(
			"tsimplex_internal_encoding_time",
			metric.WithDescription("The time spent encoding or decoding a message in seconds."),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.0001, 0.0003, 0.001, 0.003, 0.01, 0.03, 0.1, 0.3, 1.0),
		)),
		encodedSize: measurements.Must(meter.Int64Histogram(
			"tsimplex_internal_encoding_size",
			metric.WithDescription("The size of encoded messages in bytes."),
			metric.WithUnit("By"),
			metric.WithExplicitBucketBoundaries(128, 256, 512, 1024, 4096, 16384, 65536, 262144, 1048576),
		)),
		compressionRatio: measurements.Must(meter.Float64Histogram(
			"tsimplex_internal_encoding_zstd_compression_ratio",
			metric.WithDescription("The ratio of compressed to uncompressed message size."),
			metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1.0, 1.2, 1.5),
		)),
	}
)

func record(start time.Time, codec, action attribute.KeyValue, err *error) {
	metrics.codecTime.Record(context.Background(), time.Since(start).Seconds(),
		metric.WithAttributes(codec, action, attribute.Bool("success", *err == nil)))
}

func recordSize(codec attribute.KeyValue, size int) {
	metrics.encodedSize.Record(context.Background(), int64(size), metric.WithAttributes(codec))
}
