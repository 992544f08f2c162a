// Package dispatch implements the async dispatcher (C7): on I/O ranks, a
// loop that waits for a tagged message from any computational component's
// leader, relays it to the rest of the I/O ranks, broadcasts the call's
// parameters over the component's intercomm, and executes the matching
// handler. The tag -> handler table replaces a switched dispatch with a
// declarative schedule, so computational and I/O sides stay in lock-step by
// construction.
package dispatch

import (
	"encoding/binary"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/comm"
)

// Tag enumerates every core operation the dispatcher can relay.
type Tag int32

const (
	TagInitDecomp Tag = iota + 1
	TagFreeDecomp
	TagSetFrame
	TagAdvanceFrame
	TagPutDarray
	TagGetDarray
	TagOpenFile
	TagCloseFile
	TagSync
	TagEnterDefMode
	TagEndDefMode
	TagExit
)

const (
	tagControl = 9401
	tagParams  = 9402
	tagReply   = 9403
)

// Handler executes one tag's reconstructed call on an I/O rank. params is
// the byte payload broadcast from the computational leader; a non-nil
// return is sent back to the leader only for inquiry-style tags (see
// Register's isInquiry).
type Handler func(params []byte) ([]byte, error)

// Dispatcher holds the tag -> handler table for one iosystem's I/O ranks.
type Dispatcher struct {
	handlers map[Tag]Handler
	inquiry  map[Tag]bool
}

// NewDispatcher builds an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Tag]Handler), inquiry: make(map[Tag]bool)}
}

// Register binds tag to h. isInquiry marks tags whose result is sent back
// to the calling leader (e.g. get_darray) rather than fire-and-forget.
func (d *Dispatcher) Register(tag Tag, isInquiry bool, h Handler) {
	d.handlers[tag] = h
	d.inquiry[tag] = isInquiry
}

// RunIoLoop runs the I/O-rank side of the dispatch loop until it observes
// TagExit. Only meaningful on ranks with cs.IsIoProc set; callers not in
// that role should not invoke it.
func (d *Dispatcher) RunIoLoop(cs *comm.CommSet) error {
	for {
		tag, from, err := recvOrRelayTag(cs)
		if err != nil {
			return err
		}

		params, err := bcastParamsOnIntercomm(cs, nil)
		if err != nil {
			return err
		}

		if tag == TagExit {
			return nil
		}

		h, ok := d.handlers[tag]
		if !ok {
			return api.ErrInvalidArgument.WithContext("reason", "unregistered dispatch tag").WithContext("tag", int(tag))
		}
		reply, err := h(params)
		if err != nil {
			return err
		}
		if d.inquiry[tag] {
			if err := cs.Intercomm.Send(from, tagReply, reply); err != nil {
				return err
			}
		}
	}
}

// SendCall is the computational side of one dispatch round: the
// component's leader relays tag+params to the I/O side, every rank of the
// component converges on the same params via CompComm, and inquiry results
// are returned to the leader (and nil to followers). Non-async callers
// never call this; they execute the operation in-process.
func SendCall(cs *comm.CommSet, tag Tag, params []byte, isInquiry bool) ([]byte, error) {
	myRank := cs.UnionComm.Rank()
	isLeader := myRank == cs.CompRoot

	if isLeader {
		tagBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(tagBuf, uint32(tag))
		if err := cs.UnionComm.Send(cs.IoRoot, tagControl, tagBuf); err != nil {
			return nil, err
		}
	}

	compLocalRoot := cs.CompComm.Rank()
	if !isLeader {
		compLocalRoot = findLocalLeader(cs)
	}
	if _, err := cs.CompComm.Bcast(compLocalRoot, tagParams, params); err != nil {
		return nil, err
	}

	if isLeader {
		if _, err := cs.Intercomm.Bcast(cs.CompRoot, tagParams, params); err != nil {
			return nil, err
		}
		if isInquiry {
			reply, _, err := cs.Intercomm.Recv(comm.AnySource, tagReply)
			if err != nil {
				return nil, err
			}
			return reply, nil
		}
	}
	return nil, nil
}

// findLocalLeader returns the leader's rank local to CompComm, derived from
// its union-comm rank (CompRoot).
func findLocalLeader(cs *comm.CommSet) int {
	for i, unionRank := range cs.CompRanks {
		if unionRank == cs.CompRoot {
			return i
		}
	}
	return 0
}

// recvOrRelayTag implements step 1-2 of spec §4.7: the I/O comm's local
// rank 0 blocks on an any-source receive for the control tag on the union
// comm, then relays it to the rest of the I/O ranks via a union-comm
// broadcast from its own rank.
func recvOrRelayTag(cs *comm.CommSet) (Tag, int, error) {
	if cs.IoComm.Rank() == 0 {
		buf, from, err := cs.UnionComm.Recv(comm.AnySource, tagControl)
		if err != nil {
			return 0, 0, err
		}
		if _, err := cs.UnionComm.Bcast(cs.IoRoot, tagControl, buf); err != nil {
			return 0, 0, err
		}
		return Tag(binary.BigEndian.Uint32(buf)), from, nil
	}
	buf, err := cs.UnionComm.Bcast(cs.IoRoot, tagControl, nil)
	if err != nil {
		return 0, 0, err
	}
	return Tag(binary.BigEndian.Uint32(buf)), cs.CompRoot, nil
}

// bcastParamsOnIntercomm receives (or, on the originating leader handled in
// SendCall, sends) the parameter payload for the in-flight call. On the I/O
// side every rank is a non-root receiver.
func bcastParamsOnIntercomm(cs *comm.CommSet, _ []byte) ([]byte, error) {
	return cs.Intercomm.Bcast(cs.CompRoot, tagParams, nil)
}
