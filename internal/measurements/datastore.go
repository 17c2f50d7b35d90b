package measurements

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	_ datastore.Batching = (*MeteredDatastore)(nil)
	_ datastore.Batch    = (*meteredBatch)(nil)

	attrDsOperation = attribute.Key("operation")

	attrDsOperationGet     = attrDsOperation.String("get")
	attrDsOperationHas     = attrDsOperation.String("has")
	attrDsOperationGetSize = attrDsOperation.String("get-size")
	attrDsOperationQuery   = attrDsOperation.String("query")
	attrDsOperationPut     = attrDsOperation.String("put")
	attrDsOperationDelete  = attrDsOperation.String("delete")
	attrDsOperationSync    = attrDsOperation.String("sync")
	attrDsOperationClose   = attrDsOperation.String("close")
	attrDsOperationCommit  = attrDsOperation.String("batch-commit")
)

// MeteredDatastore wraps a batching datastore with metrics, measuring latency
// and bytes exchanged per operation. Writes staged in a batch are measured when
// they are staged, and the commit is measured on its own.
type MeteredDatastore struct {
	delegate datastore.Batching

	latency metric.Float64Histogram
	bytes   metric.Int64Histogram
}

func NewMeteredDatastore(meter metric.Meter, metricsPrefix string, delegate datastore.Batching) *MeteredDatastore {
	return &MeteredDatastore{
		delegate: delegate,
		latency: Must(meter.Float64Histogram(
			fmt.Sprintf("%slatency", metricsPrefix),
			metric.WithDescription("The datastore latency labelled by operation and status."),
			metric.WithUnit("s"))),
		bytes: Must(meter.Int64Histogram(
			fmt.Sprintf("%sbytes", metricsPrefix),
			metric.WithDescription("The datastore exchanged bytes labelled by operation and status."),
			metric.WithUnit("By"))),
	}
}

func (m *MeteredDatastore) Get(ctx context.Context, key datastore.Key) (value []byte, err error) {
	defer m.observe(ctx, time.Now(), attrDsOperationGet, &err, func() int { return len(value) })
	return m.delegate.Get(ctx, key)
}

func (m *MeteredDatastore) Has(ctx context.Context, key datastore.Key) (_ bool, err error) {
	defer m.observe(ctx, time.Now(), attrDsOperationHas, &err, nil)
	return m.delegate.Has(ctx, key)
}

func (m *MeteredDatastore) GetSize(ctx context.Context, key datastore.Key) (size int, err error) {
	defer m.observe(ctx, time.Now(), attrDsOperationGetSize, &err, func() int { return size })
	return m.delegate.GetSize(ctx, key)
}

func (m *MeteredDatastore) Query(ctx context.Context, q query.Query) (_ query.Results, err error) {
	defer m.observe(ctx, time.Now(), attrDsOperationQuery, &err, nil)
	return m.delegate.Query(ctx, q)
}

func (m *MeteredDatastore) Put(ctx context.Context, key datastore.Key, value []byte) (err error) {
	defer m.observe(ctx, time.Now(), attrDsOperationPut, &err, func() int { return len(value) })
	return m.delegate.Put(ctx, key, value)
}

func (m *MeteredDatastore) Delete(ctx context.Context, key datastore.Key) (err error) {
	defer m.observe(ctx, time.Now(), attrDsOperationDelete, &err, nil)
	return m.delegate.Delete(ctx, key)
}

func (m *MeteredDatastore) Sync(ctx context.Context, prefix datastore.Key) (err error) {
	defer m.observe(ctx, time.Now(), attrDsOperationSync, &err, nil)
	return m.delegate.Sync(ctx, prefix)
}

func (m *MeteredDatastore) Close() (err error) {
	defer m.observe(context.Background(), time.Now(), attrDsOperationClose, &err, nil)
	return m.delegate.Close()
}

func (m *MeteredDatastore) Batch(ctx context.Context) (datastore.Batch, error) {
	b, err := m.delegate.Batch(ctx)
	if err != nil {
		return nil, err
	}
	return &meteredBatch{parent: m, delegate: b}, nil
}

// observe records the latency since start, and the size reported by bytes if
// non-nil, against the outcome held in err once the operation returns.
func (m *MeteredDatastore) observe(ctx context.Context, start time.Time, operation attribute.KeyValue, err *error, bytes func() int) {
	attributes := metric.WithAttributes(operation, Status(ctx, *err))
	m.latency.Record(ctx, time.Since(start).Seconds(), attributes)
	if bytes != nil && *err == nil {
		m.bytes.Record(ctx, int64(bytes()), attributes)
	}
}

type meteredBatch struct {
	parent   *MeteredDatastore
	delegate datastore.Batch
}

func (b *meteredBatch) Put(ctx context.Context, key datastore.Key, value []byte) (err error) {
	defer b.parent.observe(ctx, time.Now(), attrDsOperationPut, &err, func() int { return len(value) })
	return b.delegate.Put(ctx, key, value)
}

func (b *meteredBatch) Delete(ctx context.Context, key datastore.Key) (err error) {
	defer b.parent.observe(ctx, time.Now(), attrDsOperationDelete, &err, nil)
	return b.delegate.Delete(ctx, key)
}

func (b *meteredBatch) Commit(ctx context.Context) (err error) {
	defer b.parent.observe(ctx, time.Now(), attrDsOperationCommit, &err, nil)
	return b.delegate.Commit(ctx)
}
