// Package comm models the MPI-style communicator set the decomposition
// engine is built on. There is no MPI binding available to this module, so
// a rank group is realized as a set of goroutines exchanging messages over
// per-rank inboxes — the same channel/queue idiom the rest of this codebase
// uses for its event loops and executors, applied here to stand in for a
// real wire transport. Production deployments substitute a real MPI or
// socket-backed Comm implementation behind the same interface.
package comm

import "sync"

// AnySource/AnyTag mirror MPI_ANY_SOURCE/MPI_ANY_TAG.
const (
	AnySource = -1
	AnyTag    = -1
)

// Comm is the rank-group contract every core component programs against.
type Comm interface {
	// Rank returns this process's position within the group (0-based).
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Send delivers data to dest (a rank local to this group). Always
	// succeeds against a live peer; blocking sends are not needed since
	// delivery is asynchronous and unbounded.
	Send(dest, tag int, data []byte) error
	// Recv blocks until a message matching (src, tag) arrives, where either
	// may be AnySource/AnyTag. Returns the payload and the sender's local rank.
	Recv(src, tag int) (data []byte, from int, err error)
	// Bcast distributes data from root to every rank; non-root callers'
	// data argument is ignored and the broadcast payload is returned to all.
	Bcast(root, tag int, data []byte) ([]byte, error)
	// AllToAllV exchanges one buffer per destination rank (send[i] may be
	// nil/empty) and returns one buffer per source rank.
	AllToAllV(tag int, send [][]byte) ([][]byte, error)
	// Barrier blocks until every rank in the group has called Barrier.
	Barrier(tag int) error
}

type message struct {
	tag  int
	from int
	data []byte
}

type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   []message
	closed bool
}

func newInbox() *inbox {
	ib := &inbox{}
	ib.cond = sync.NewCond(&ib.mu)
	return ib
}

func (ib *inbox) push(m message) {
	ib.mu.Lock()
	ib.msgs = append(ib.msgs, m)
	ib.cond.Broadcast()
	ib.mu.Unlock()
}

func (ib *inbox) pop(src, tag int) (message, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for {
		for i, m := range ib.msgs {
			if (src == AnySource || m.from == src) && (tag == AnyTag || m.tag == tag) {
				ib.msgs = append(ib.msgs[:i], ib.msgs[i+1:]...)
				return m, nil
			}
		}
		if ib.closed {
			return message{}, errClosed
		}
		ib.cond.Wait()
	}
}

// Group is the shared substrate backing every View derived from it: one
// inbox per absolute rank slot.
type Group struct {
	inboxes []*inbox
}

// NewGroup allocates a world of n absolute rank slots.
func NewGroup(n int) *Group {
	g := &Group{inboxes: make([]*inbox, n)}
	for i := range g.inboxes {
		g.inboxes[i] = newInbox()
	}
	return g
}

// View is a Comm backed by a Group, restricted to a (possibly reordered)
// subset of absolute rank slots.
type View struct {
	g       *Group
	members []int // absolute slot per local rank, in rank order
	local   int    // this view's own local rank
}

// NewView builds the View for absoluteSelf within members, or reports false
// if absoluteSelf does not belong to members (the caller does not
// participate in this communicator).
func NewView(g *Group, members []int, absoluteSelf int) (*View, bool) {
	for i, m := range members {
		if m == absoluteSelf {
			return &View{g: g, members: append([]int(nil), members...), local: i}, true
		}
	}
	return nil, false
}

func (v *View) Rank() int { return v.local }
func (v *View) Size() int { return len(v.members) }

// AbsoluteSelf returns this rank's slot number in the underlying Group.
func (v *View) AbsoluteSelf() int { return v.members[v.local] }

func (v *View) absOf(localRank int) int { return v.members[localRank] }

func (v *View) localOf(abs int) int {
	for i, m := range v.members {
		if m == abs {
			return i
		}
	}
	return -1
}

func (v *View) Send(dest, tag int, data []byte) error {
	if dest < 0 || dest >= len(v.members) {
		return errBadRank
	}
	v.g.inboxes[v.absOf(dest)].push(message{tag: tag, from: v.AbsoluteSelf(), data: data})
	return nil
}

func (v *View) Recv(src, tag int) ([]byte, int, error) {
	absSrc := AnySource
	if src != AnySource {
		absSrc = v.absOf(src)
	}
	m, err := v.g.inboxes[v.AbsoluteSelf()].pop(absSrc, tag)
	if err != nil {
		return nil, -1, err
	}
	return m.data, v.localOf(m.from), nil
}

func (v *View) Bcast(root, tag int, data []byte) ([]byte, error) {
	if v.local == root {
		for i := range v.members {
			if i == root {
				continue
			}
			if err := v.Send(i, tag, data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
	payload, _, err := v.Recv(root, tag)
	return payload, err
}

func (v *View) AllToAllV(tag int, send [][]byte) ([][]byte, error) {
	n := len(v.members)
	for i := 0; i < n; i++ {
		if i == v.local {
			continue
		}
		var buf []byte
		if i < len(send) {
			buf = send[i]
		}
		if err := v.Send(i, tag, buf); err != nil {
			return nil, err
		}
	}
	recv := make([][]byte, n)
	if v.local < len(send) {
		recv[v.local] = send[v.local]
	}
	for i := 0; i < n; i++ {
		if i == v.local {
			continue
		}
		buf, _, err := v.Recv(i, tag)
		if err != nil {
			return nil, err
		}
		recv[i] = buf
	}
	return recv, nil
}

func (v *View) Barrier(tag int) error {
	_, err := v.AllToAllV(tag, make([][]byte, v.Size()))
	return err
}

// compile-time interface check
var _ Comm = (*View)(nil)
