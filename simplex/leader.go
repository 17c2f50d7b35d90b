package simplex

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// SelectLeader maps a view to a committee index. The seed is the group seed
// signature of the previous view; since that signature is unique for the group
// key and unknown until a quorum signs it, the leader cannot be predicted more
// than one view ahead. Without a seed, leadership rotates round-robin.
func SelectLeader(view uint64, seed []byte, n int) int {
	if n <= 0 {
		return 0
	}
	if len(seed) == 0 {
		return int(view % uint64(n))
	}
	buf := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(seed)), view)
	h := blake2b.Sum256(append(buf, seed...))
	return int(binary.BigEndian.Uint64(h[:8]) % uint64(n))
}
