package encoding

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// maxMessageSize bounds both encoded messages and the memory the zstd decoder
// may allocate. It matches the default maximum message size in GossipSub.
const maxMessageSize = 1 << 20

type CBORMarshalUnmarshaler interface {
	cbg.CBORMarshaler
	cbg.CBORUnmarshaler
}

// EncodeDecoder turns messages into bytes for the wire and back.
type EncodeDecoder[T CBORMarshalUnmarshaler] interface {
	Encode(v T) ([]byte, error)
	Decode([]byte, T) error
}

// CBOR encodes messages as their plain CBOR tuples.
type CBOR[T CBORMarshalUnmarshaler] struct{}

func NewCBOR[T CBORMarshalUnmarshaler]() *CBOR[T] { return &CBOR[T]{} }

func (c *CBOR[T]) Encode(m T) (_ []byte, _err error) {
	defer record(time.Now(), attrCodecCbor, attrActionEncode, &_err)
	encoded, err := encodeCBOR(m)
	if err != nil {
		return nil, err
	}
	recordSize(attrCodecCbor, len(encoded))
	return encoded, nil
}

func (c *CBOR[T]) Decode(v []byte, t T) (_err error) {
	defer record(time.Now(), attrCodecCbor, attrActionDecode, &_err)
	if len(v) > maxMessageSize {
		return fmt.Errorf("message exceeds maximum size: %d > %d", len(v), maxMessageSize)
	}
	return t.UnmarshalCBOR(bytes.NewReader(v))
}

func encodeCBOR[T CBORMarshalUnmarshaler](m T) ([]byte, error) {
	var buf bytes.Buffer
	if err := m.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	if buf.Len() > maxMessageSize {
		return nil, fmt.Errorf("encoded value cannot exceed maximum size: %d > %d", buf.Len(), maxMessageSize)
	}
	return buf.Bytes(), nil
}

// ZSTD compresses the CBOR encoding of messages. Votes carry little
// redundancy, but certificates and proposals relayed with their parent
// certificate compress well.
type ZSTD[T CBORMarshalUnmarshaler] struct {
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

func NewZSTD[T CBORMarshalUnmarshaler]() (*ZSTD[T], error) {
	// Messages are small and on the critical path of every view, so favour
	// speed over ratio.
	writer, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	reader, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxMessageSize))
	if err != nil {
		return nil, err
	}
	return &ZSTD[T]{compressor: writer, decompressor: reader}, nil
}

func (c *ZSTD[T]) Encode(m T) (_ []byte, _err error) {
	defer record(time.Now(), attrCodecZstd, attrActionEncode, &_err)
	encoded, err := encodeCBOR(m)
	if err != nil {
		return nil, err
	}
	compressed := c.compressor.EncodeAll(encoded, make([]byte, 0, len(encoded)))
	recordSize(attrCodecZstd, len(compressed))
	if len(encoded) > 0 {
		metrics.compressionRatio.Record(context.Background(), float64(len(compressed))/float64(len(encoded)))
	}
	return compressed, nil
}

func (c *ZSTD[T]) Decode(v []byte, t T) (_err error) {
	defer record(time.Now(), attrCodecZstd, attrActionDecode, &_err)
	encoded, err := c.decompressor.DecodeAll(v, make([]byte, 0, 2*len(v)))
	if err != nil {
		return err
	}
	return t.UnmarshalCBOR(bytes.NewReader(encoded))
}
