package resolver

import (
	"fmt"
	"io"

	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/libp2p/go-libp2p/core/protocol"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// maxViewsPerResponse bounds how many certificates a server returns for a
// single request, and how many a client accepts.
const maxViewsPerResponse = 256

func FetchProtocolName(ns simplex.Namespace) protocol.ID {
	return protocol.ID("/tsimplex/fetch/1/" + string(ns))
}

// FetchRequest asks a peer for the certificate that ended each of the given
// views: its notarization, or its nullification if it was not notarized.
type FetchRequest struct {
	Views bitfield.BitField
}

// FetchResponse holds the certificates a peer has for the requested views, in
// increasing view order. Views the peer holds no certificate for are omitted.
type FetchResponse struct {
	Certificates []*simplex.Certificate
}

func (r *FetchRequest) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 1); err != nil {
		return err
	}
	return r.Views.MarshalCBOR(cw)
}

func (r *FetchRequest) UnmarshalCBOR(rd io.Reader) (err error) {
	*r = FetchRequest{}
	cr := cbg.NewCborReader(rd)
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	if maj != cbg.MajArray || extra != 1 {
		return fmt.Errorf("fetch request must be an array of 1 field")
	}
	return r.Views.UnmarshalCBOR(cr)
}

func (r *FetchResponse) MarshalCBOR(w io.Writer) error {
	if len(r.Certificates) > maxViewsPerResponse {
		return fmt.Errorf("too many certificates in response: %d", len(r.Certificates))
	}
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(r.Certificates))); err != nil {
		return err
	}
	for _, cert := range r.Certificates {
		if err := cert.MarshalCBOR(cw); err != nil {
			return err
		}
	}
	return nil
}

func (r *FetchResponse) UnmarshalCBOR(rd io.Reader) (err error) {
	*r = FetchResponse{}
	cr := cbg.NewCborReader(rd)
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	if maj != cbg.MajArray {
		return fmt.Errorf("fetch response must be an array")
	}
	if extra > maxViewsPerResponse {
		return fmt.Errorf("too many certificates in response: %d", extra)
	}
	if extra > 0 {
		r.Certificates = make([]*simplex.Certificate, extra)
	}
	for i := range r.Certificates {
		var cert simplex.Certificate
		if err := cert.UnmarshalCBOR(cr); err != nil {
			return fmt.Errorf("certificate %d: %w", i, err)
		}
		r.Certificates[i] = &cert
	}
	return nil
}
