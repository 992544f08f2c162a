// Package transport implements the swap-many exchange primitive (C2): one
// all-to-some data movement described by per-peer send/recv byte counts,
// honoring the rearranger's flow-control options.
package transport

import (
	"github.com/eapache/queue"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/comm"
)

const (
	tagReady = 9001
	tagData  = 9002
)

// Swapm moves sendBufs[i] (sendCounts[i] bytes, 0 to skip) from this rank to
// peer i, and returns recvBufs[i] (recvCounts[i] bytes expected from peer i)
// received from peer i. Peers and counts are expressed in c's local rank
// numbering. opts.CommType selects P2P vs a single collective exchange.
func Swapm(c comm.Comm, sendCounts []int, sendBufs [][]byte, recvCounts []int, opts api.FlowControlOptions) ([][]byte, error) {
	if opts.CommType == api.Coll {
		return swapmColl(c, sendBufs)
	}
	return swapmP2P(c, sendCounts, sendBufs, recvCounts, opts)
}

// swapmColl delegates to one all-to-all-v call; handshake/window settings do
// not apply in collective mode.
func swapmColl(c comm.Comm, sendBufs [][]byte) ([][]byte, error) {
	return c.AllToAllV(tagData, sendBufs)
}

// swapmP2P implements the algorithm of spec §4.2: post matching receives
// (implicit here — messages queue in the recipient's inbox until matched),
// walk senders in rank order, optionally handshake before each send, cap
// concurrent outstanding sends at opts.MaxPendReq, then drain receives.
func swapmP2P(c comm.Comm, sendCounts []int, sendBufs [][]byte, recvCounts []int, opts api.FlowControlOptions) ([][]byte, error) {
	n := c.Size()
	self := c.Rank()
	recvBufs := make([][]byte, n)

	if opts.Handshake && (opts.FCD == api.FlowIoToComp || opts.FCD == api.FlowBoth) {
		for i := 0; i < n; i++ {
			if i == self || i >= len(recvCounts) || recvCounts[i] == 0 {
				continue
			}
			if err := c.Send(i, tagReady, nil); err != nil {
				return nil, api.TransportError(0, "handshake ready send failed").WithContext("peer", i)
			}
		}
	}

	pending := queue.New()
	completeOldest := func() error {
		if pending.Length() == 0 {
			return nil
		}
		ch := pending.Remove().(chan error)
		return <-ch
	}

	for i := 0; i < n; i++ {
		if i == self || i >= len(sendCounts) || sendCounts[i] == 0 {
			continue
		}
		if opts.Handshake && (opts.FCD == api.FlowCompToIo || opts.FCD == api.FlowBoth) {
			if _, _, err := c.Recv(i, tagReady); err != nil {
				return nil, api.TransportError(0, "handshake ready recv failed").WithContext("peer", i)
			}
		}
		if opts.MaxPendReq != api.Unlimited && pending.Length() >= opts.MaxPendReq {
			if err := completeOldest(); err != nil {
				return nil, err
			}
		}
		if opts.ISend {
			done := make(chan error, 1)
			dst, buf := i, sendBufs[i]
			go func() { done <- c.Send(dst, tagData, buf) }()
			pending.Add(done)
		} else if err := c.Send(i, tagData, sendBufs[i]); err != nil {
			return nil, api.TransportError(0, "send failed").WithContext("peer", i)
		}
	}
	for pending.Length() > 0 {
		if err := completeOldest(); err != nil {
			return nil, err
		}
	}

	for i := 0; i < n; i++ {
		if i == self || i >= len(recvCounts) || recvCounts[i] == 0 {
			continue
		}
		data, _, err := c.Recv(i, tagData)
		if err != nil {
			return nil, api.TransportError(0, "recv failed").WithContext("peer", i)
		}
		recvBufs[i] = data
	}
	return recvBufs, nil
}
