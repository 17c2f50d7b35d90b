package resolver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/filecoin-project/go-tsimplex/certstore"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
)

// A bitfield of maxViewsPerResponse views encodes well within this, even when
// the views are sparse.
const maxRequestSize = 8 << 10

var errServerStopped = errors.New("certificate fetch server stopped")

// Server answers certificate fetch requests from a certstore.
type Server struct {
	// Requests are cancelled after RequestTimeout, if non-zero.
	RequestTimeout time.Duration
	Namespace      simplex.Namespace
	Host           host.Host
	Store          *certstore.Store

	mu       sync.Mutex
	ctx      context.Context
	stop     context.CancelFunc
	handlers sync.WaitGroup
}

// Start registers the fetch protocol handler on the host.
func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("certificate fetch server already running")
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	s.Host.SetStreamHandler(FetchProtocolName(s.Namespace), s.handleStream)
	return nil
}

// Stop removes the handler, resets in-flight streams and waits for their
// handlers to return.
func (s *Server) Stop(context.Context) error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	if stop != nil {
		stop()
		s.Host.RemoveStreamHandler(FetchProtocolName(s.Namespace))
	}
	s.mu.Unlock()
	s.handlers.Wait()
	return nil
}

// enter registers an in-flight handler, returning the server context.
func (s *Server) enter() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil || s.ctx.Err() != nil {
		return nil, errServerStopped
	}
	s.handlers.Add(1)
	return s.ctx, nil
}

func (s *Server) handleStream(stream network.Stream) {
	ctx, err := s.enter()
	if err != nil {
		_ = stream.Reset()
		return
	}
	defer s.handlers.Done()
	defer context.AfterFunc(ctx, func() { _ = stream.Reset() })()

	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
		defer cancel()
	}
	if err := s.serve(ctx, stream); err != nil {
		log.Debugw("Failed to serve certificate fetch.", "peer", stream.Conn().RemotePeer(), "err", err)
		_ = stream.Reset()
		return
	}
	_ = stream.Close()
}

func (s *Server) serve(ctx context.Context, stream network.Stream) (_err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			_err = fmt.Errorf("panicked serving certificate fetch: %v", r)
			log.Errorf("%s\n%s", _err, debug.Stack())
		}
		metrics.serveTime.Record(ctx, time.Since(start).Seconds())
	}()

	if deadline, ok := ctx.Deadline(); ok {
		// Not all transports support deadlines.
		_ = stream.SetDeadline(deadline)
	}
	views, err := readFetchRequest(stream)
	if err != nil {
		return err
	}
	resp, err := s.lookup(ctx, views)
	if err != nil {
		return err
	}
	metrics.certificatesServed.Record(ctx, int64(len(resp.Certificates)))

	w := bufio.NewWriter(stream)
	if err := resp.MarshalCBOR(w); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return w.Flush()
}

func readFetchRequest(r io.Reader) ([]uint64, error) {
	var req FetchRequest
	if err := req.UnmarshalCBOR(&io.LimitedReader{R: bufio.NewReader(r), N: maxRequestSize}); err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	switch count, err := req.Views.Count(); {
	case err != nil:
		return nil, err
	case count > maxViewsPerResponse:
		return nil, fmt.Errorf("too many views requested: %d", count)
	}
	return req.Views.All(maxViewsPerResponse)
}

// lookup collects the certificates held for the requested views. Views with
// no certificate are left out.
func (s *Server) lookup(ctx context.Context, views []uint64) (*FetchResponse, error) {
	var resp FetchResponse
	for _, view := range views {
		cert, err := s.Store.GetCertifying(ctx, view)
		switch {
		case errors.Is(err, certstore.ErrCertNotFound):
		case err != nil:
			log.Errorw("Failed to load certificate.", "view", view, "err", err)
			return nil, err
		default:
			resp.Certificates = append(resp.Certificates, cert)
		}
	}
	return &resp, nil
}
