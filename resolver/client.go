package resolver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-tsimplex/internal/measurements"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"
)

// A response of maxViewsPerResponse certificates, each carrying a proposal and
// two aggregate signatures, stays well under this.
const maxResponseSize = 1 << 20

var _ Fetcher = (*Client)(nil)

// Client is a libp2p client for requesting certificates from specific peers.
type Client struct {
	Host      host.Host
	Namespace simplex.Namespace
	// RequestTimeout, if non-zero, bounds each request on top of the deadline of
	// the context passed to Fetch.
	RequestTimeout time.Duration
}

func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// Fetch requests the certificates ending the given views from the peer p. The
// returned certificates are sanity checked to belong to the requested views,
// but are otherwise unvalidated.
func (c *Client) Fetch(ctx context.Context, p peer.ID, views []uint64) (_ []*simplex.Certificate, _err error) {
	start := time.Now()
	defer func() {
		if perr := recover(); perr != nil {
			_err = fmt.Errorf("panicked requesting certificates from peer %s: %v\n%s", p, perr, string(debug.Stack()))
			log.Error(_err)
		}
		metrics.requestLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(measurements.Status(ctx, _err)))
	}()
	if len(views) == 0 {
		return nil, nil
	}
	if len(views) > maxViewsPerResponse {
		return nil, fmt.Errorf("cannot request more than %d views at once: %d", maxViewsPerResponse, len(views))
	}

	reqCtx, cancel := c.withDeadline(ctx)
	defer cancel()

	stream, err := c.Host.NewStream(reqCtx, p, FetchProtocolName(c.Namespace))
	if err != nil {
		return nil, err
	}
	// Reset the stream if the context is canceled before we are done with it.
	defer context.AfterFunc(reqCtx, func() { _ = stream.Reset() })()
	defer func() { _ = stream.Close() }()

	if deadline, ok := reqCtx.Deadline(); ok {
		// Not all transports support deadlines.
		_ = stream.SetDeadline(deadline)
	}

	bw := bufio.NewWriter(stream)
	req := FetchRequest{Views: bitfield.NewFromSet(views)}
	if err := req.MarshalCBOR(bw); err != nil {
		log.Debugw("Failed to marshal fetch request.", "peer", p, "err", err)
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, err
	}

	var resp FetchResponse
	br := &io.LimitedReader{R: bufio.NewReader(stream), N: maxResponseSize}
	if err := resp.UnmarshalCBOR(br); err != nil {
		log.Debugw("Failed to unmarshal fetch response.", "peer", p, "err", err)
		return nil, err
	}

	requested := make(map[uint64]struct{}, len(views))
	for _, view := range views {
		requested[view] = struct{}{}
	}
	for _, cert := range resp.Certificates {
		if _, ok := requested[cert.View]; !ok {
			return nil, fmt.Errorf("peer %s returned unrequested view %d", p, cert.View)
		}
		delete(requested, cert.View)
		if cert.Kind != simplex.KindNotarize && cert.Kind != simplex.KindNullify {
			return nil, errors.New("peer returned a certificate that does not end a view")
		}
	}
	return resp.Certificates, nil
}
