package encoding_test

import (
	"testing"

	"github.com/filecoin-project/go-tsimplex/internal/encoding"
	"github.com/filecoin-project/go-tsimplex/simplex"
	"github.com/filecoin-project/go-tsimplex/simplex/simplextest"
	"github.com/stretchr/testify/require"
)

func messages(t *testing.T) []*simplex.Message {
	committee, err := simplextest.NewCommittee("tsimplex", 4, 1)
	require.NoError(t, err)
	vote, err := committee.Vote(1, simplex.KindNullify, 3, simplex.Proposal{})
	require.NoError(t, err)
	cert, err := committee.Notarization(2, simplex.Digest{0xfe})
	require.NoError(t, err)
	return []*simplex.Message{{Vote: vote}, {Certificate: cert}}
}

func TestCodecs(t *testing.T) {
	zstd, err := encoding.NewZSTD[*simplex.Message]()
	require.NoError(t, err)
	for _, test := range []struct {
		name    string
		subject encoding.EncodeDecoder[*simplex.Message]
	}{
		{name: "cbor", subject: encoding.NewCBOR[*simplex.Message]()},
		{name: "zstd", subject: zstd},
	} {
		t.Run(test.name, func(t *testing.T) {
			for _, msg := range messages(t) {
				encoded, err := test.subject.Encode(msg)
				require.NoError(t, err)
				var decoded simplex.Message
				require.NoError(t, test.subject.Decode(encoded, &decoded))
				require.Equal(t, msg, &decoded)
			}
		})
	}
}

func TestZSTD_RejectsGarbage(t *testing.T) {
	subject, err := encoding.NewZSTD[*simplex.Message]()
	require.NoError(t, err)
	require.Error(t, subject.Decode([]byte("not zstd"), &simplex.Message{}))
}

func TestCBOR_RejectsOversized(t *testing.T) {
	subject := encoding.NewCBOR[*simplex.Message]()
	require.ErrorContains(t, subject.Decode(make([]byte, 2<<20), &simplex.Message{}), "maximum size")
}
