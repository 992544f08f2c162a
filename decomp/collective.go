package decomp

import (
	"encoding/binary"

	"github.com/scidecomp/piorearrange/comm"
)

const (
	tagReadOnlyOr = 9301
	tagIoidBcast  = 9302
)

// reduceOrAcrossComp computes the logical OR of local across every rank of
// the iosystem's union comm and returns the same result to all of them:
// one computational rank in a decomposition with a repeated nonzero offset
// marks the whole decomposition read-only, per spec §4.4. I/O-only ranks
// have no compmap of their own and always contribute false.
func reduceOrAcrossComp(cs *comm.CommSet, local bool) (bool, error) {
	c := cs.UnionComm
	root := cs.CompRoot
	localByte := byte(0)
	if local {
		localByte = 1
	}
	if c.Rank() == root {
		any := local
		for i := 0; i < c.Size(); i++ {
			if i == root {
				continue
			}
			buf, _, err := c.Recv(i, tagReadOnlyOr)
			if err != nil {
				return false, err
			}
			if len(buf) > 0 && buf[0] != 0 {
				any = true
			}
		}
		out := byte(0)
		if any {
			out = 1
		}
		if _, err := c.Bcast(root, tagReadOnlyOr, []byte{out}); err != nil {
			return false, err
		}
		return any, nil
	}
	if err := c.Send(root, tagReadOnlyOr, []byte{localByte}); err != nil {
		return false, err
	}
	out, err := c.Bcast(root, tagReadOnlyOr, nil)
	if err != nil {
		return false, err
	}
	return len(out) > 0 && out[0] != 0, nil
}

// bcastInt64 broadcasts a 64-bit value from root across c.
func bcastInt64(c comm.Comm, root int, value int64) (int64, error) {
	buf := make([]byte, 8)
	if c.Rank() == root {
		binary.BigEndian.PutUint64(buf, uint64(value))
	}
	out, err := c.Bcast(root, tagIoidBcast, buf)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(out)), nil
}
