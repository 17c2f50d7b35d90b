package certstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/filecoin-project/go-tsimplex/simplex"
	cid "github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/autobatch"
	"github.com/multiformats/go-multihash"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrUnknownLatestCertificate = errors.New("latest finalization is not known")
	ErrNoCertificateExtracted   = errors.New("no finalization is found in the snapshot")
)

// ExportLatestSnapshot exports a snapshot of every finalization up to the latest
// one stored.
func (cs *Store) ExportLatestSnapshot(ctx context.Context, writer io.Writer) (cid.Cid, *SnapshotHeader, error) {
	latest := cs.LatestFinalization()
	if latest == nil {
		return cid.Undef, nil, ErrUnknownLatestCertificate
	}
	return cs.ExportSnapshot(ctx, 1, latest.View, writer)
}

// ExportSnapshot writes a header followed by the finalizations stored for views
// from firstView to latestView, each as a varint length-prefixed CBOR block.
// The returned CID is the BLAKE2b-256 digest of everything written.
func (cs *Store) ExportSnapshot(ctx context.Context, firstView, latestView uint64, writer io.Writer) (cid.Cid, *SnapshotHeader, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return cid.Undef, nil, err
	}
	hashWriter := hashWriter{hasher, writer}
	finalizations, err := cs.GetRange(ctx, simplex.KindFinalize, firstView, latestView)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("failed to read finalizations from %d to %d: %w", firstView, latestView, err)
	}
	header := SnapshotHeader{Version: 1, FirstView: firstView, LatestView: latestView}
	if _, err := header.WriteTo(hashWriter); err != nil {
		return cid.Undef, nil, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	for _, cert := range finalizations {
		if _, err := writeSnapshotCborEncodedBlock(hashWriter, cert); err != nil {
			return cid.Undef, nil, fmt.Errorf("failed to write finalization at view %d: %w", cert.View, err)
		}
	}
	mh, err := multihash.Encode(hashWriter.hasher.Sum(nil), multihash.BLAKE2B_MIN+31)
	if err != nil {
		return cid.Undef, nil, err
	}
	return cid.NewCidV1(cid.Raw, mh), &header, nil
}

type hashWriter struct {
	hasher hash.Hash
	writer io.Writer
}

func (w hashWriter) Write(p []byte) (n int, err error) {
	if _, err := w.hasher.Write(p); err != nil {
		return 0, err
	}
	return w.writer.Write(p)
}

type SnapshotReader interface {
	io.Reader
	io.ByteReader
}

// ImportSnapshotToDatastore imports a snapshot into the specified Datastore.
// Every finalization is passed to verify before it is stored, and the
// snapshot is rejected at the first one that fails.
func ImportSnapshotToDatastore(ctx context.Context, snapshot SnapshotReader, ds datastore.Batching, verify func(*simplex.Certificate) error) (_err error) {
	headerBytes, err := readSnapshotBlockBytes(snapshot)
	if err != nil {
		return err
	}
	var header SnapshotHeader
	if err := header.UnmarshalCBOR(bytes.NewReader(headerBytes)); err != nil {
		return fmt.Errorf("failed to decode snapshot header: %w", err)
	}
	if header.Version != 1 {
		return fmt.Errorf("unsupported snapshot version %d", header.Version)
	}

	dsb := autobatch.NewAutoBatching(ds, 1000)
	defer func() {
		if err := dsb.Flush(ctx); err != nil && _err == nil {
			_err = err
		}
	}()
	cs, err := NewStore(ctx, dsb)
	if err != nil {
		return err
	}

	var latest *simplex.Certificate
	for {
		certBytes, err := readSnapshotBlockBytes(snapshot)
		if err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to read finalization: %w", err)
		}
		var cert simplex.Certificate
		if err := cert.UnmarshalCBOR(bytes.NewReader(certBytes)); err != nil {
			return err
		}
		switch {
		case cert.Kind != simplex.KindFinalize:
			return fmt.Errorf("snapshot holds a %s at view %d", cert.Kind.CertificateName(), cert.View)
		case cert.View < header.FirstView || cert.View > header.LatestView:
			return fmt.Errorf("finalization at view %d outside of snapshot range %d to %d", cert.View, header.FirstView, header.LatestView)
		case latest != nil && cert.View <= latest.View:
			return fmt.Errorf("finalization at view %d follows view %d", cert.View, latest.View)
		}
		if verify != nil {
			if err := verify(&cert); err != nil {
				return fmt.Errorf("finalization at view %d: %w", cert.View, err)
			}
		}
		if err := cs.Put(ctx, &cert); err != nil {
			return err
		}
		latest = &cert
	}

	if latest == nil {
		return ErrNoCertificateExtracted
	}
	if latest.View != header.LatestView {
		return fmt.Errorf("extracted latest view %d, but %d is expected", latest.View, header.LatestView)
	}
	return nil
}

type SnapshotHeader struct {
	Version    uint64
	FirstView  uint64
	LatestView uint64
}

func (h *SnapshotHeader) WriteTo(w io.Writer) (int64, error) {
	return writeSnapshotCborEncodedBlock(w, h)
}

func (h *SnapshotHeader) MarshalCBOR(w io.Writer) error {
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 3); err != nil {
		return err
	}
	for _, v := range []uint64{h.Version, h.FirstView, h.LatestView} {
		if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, v); err != nil {
			return err
		}
	}
	return nil
}

func (h *SnapshotHeader) UnmarshalCBOR(r io.Reader) error {
	cr := cbg.NewCborReader(r)
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray || extra != 3 {
		return fmt.Errorf("snapshot header must be an array of 3 fields")
	}
	for _, field := range []*uint64{&h.Version, &h.FirstView, &h.LatestView} {
		maj, extra, err := cr.ReadHeader()
		if err != nil {
			return err
		}
		if maj != cbg.MajUnsignedInt {
			return fmt.Errorf("wrong type for uint64 field: %d", maj)
		}
		*field = extra
	}
	return nil
}

// writeSnapshotCborEncodedBlock writes CBOR-encoded header or data block with a varint-encoded length prefix
func writeSnapshotCborEncodedBlock(writer io.Writer, block cbg.CBORMarshaler) (int64, error) {
	var buffer bytes.Buffer
	if err := block.MarshalCBOR(&buffer); err != nil {
		return 0, err
	}
	return writeSnapshotBlockBytes(writer, &buffer)
}

// writeSnapshotBlockBytes writes header or data block with a varint-encoded length prefix
func writeSnapshotBlockBytes(writer io.Writer, buffer *bytes.Buffer) (int64, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(buffer.Len()))
	len1, err := bytes.NewBuffer(buf[:n]).WriteTo(writer)
	if err != nil {
		return 0, err
	}
	len2, err := buffer.WriteTo(writer)
	if err != nil {
		return 0, err
	}
	return len1 + len2, nil
}

func readSnapshotBlockBytes(reader SnapshotReader) ([]byte, error) {
	n1, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n1)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
