// Topology (C1): builds and owns the communicator set for one I/O system,
// computes rank roles, and validates init parameters.
package comm

import "github.com/scidecomp/piorearrange/api"

// CommSet is the full set of communicators and derived roles for one
// I/O system, expressed in the union comm's rank numbering (spec §3/§4.1).
type CommSet struct {
	CompComm  Comm // nil on io-only ranks in async mode
	IoComm    Comm // nil on comp-only ranks in async mode
	UnionComm Comm
	Intercomm Comm // nil in sync mode; modeled as the union view in async mode

	CompRanks []int // union-comm rank numbers of every computational rank
	IoRanks   []int // union-comm rank numbers of every I/O rank
	CompRoot  int   // union-comm rank of the comp-side leader
	IoRoot    int   // union-comm rank of the io-side leader

	IsAsync        bool
	IsIoProc       bool
	IsCompProc     bool
	ComponentIndex int // async only; 0 in sync mode
}

// InitSync builds a CommSet for the synchronous (non-async) case: one
// computational communicator whose I/O ranks are drawn from it by
// (base, stride). Spec §4.1.
func InitSync(world *Group, absoluteSelf int, compMembers []int, numIOTasks, stride, base int) (*CommSet, error) {
	n := len(compMembers)
	if numIOTasks < 1 || stride < 1 || numIOTasks*stride > n {
		return nil, api.ErrInvalidArgument.WithContext("num_iotasks", numIOTasks).
			WithContext("stride", stride).WithContext("num_comptasks", n)
	}
	compView, ok := NewView(world, compMembers, absoluteSelf)
	if !ok {
		return nil, api.ErrInvalidArgument.WithContext("reason", "caller is not a member of the computational comm")
	}

	ioLocalRanks := make([]int, numIOTasks)
	ioSet := make(map[int]bool, numIOTasks)
	for i := range ioLocalRanks {
		r := (base + i*stride) % n
		ioLocalRanks[i] = r
		ioSet[r] = true
	}
	absIoRanks := make([]int, numIOTasks)
	for i, r := range ioLocalRanks {
		absIoRanks[i] = compMembers[r]
	}
	ioView, isIo := NewView(world, absIoRanks, absoluteSelf)

	compRoot := -1
	for r := 0; r < n; r++ {
		if !ioSet[r] {
			compRoot = r
			break
		}
	}
	compRanks := make([]int, n)
	for i := range compRanks {
		compRanks[i] = i
	}

	cs := &CommSet{
		UnionComm:  compView,
		CompComm:   compView,
		CompRanks:  compRanks,
		IoRanks:    ioLocalRanks,
		CompRoot:   compRoot,
		IoRoot:     ioLocalRanks[0],
		IsAsync:    false,
		IsCompProc: true,
		IsIoProc:   isIo,
	}
	if isIo {
		cs.IoComm = ioView
	}
	return cs, nil
}

// InitAsync builds one CommSet per computational component, shared I/O
// ranks first in each union comm (spec §4.1). The returned slice has one
// entry per component; entries the caller does not participate in (neither
// as an I/O rank nor a member of that component) are left nil.
func InitAsync(world *Group, absoluteSelf int, ioWorldRanks []int, compWorldRanksByComponent [][]int) ([]*CommSet, error) {
	if len(ioWorldRanks) < 1 {
		return nil, api.ErrInvalidArgument.WithContext("reason", "at least one io rank required")
	}
	ioView, isIo := NewView(world, ioWorldRanks, absoluteSelf)
	ioSet := make(map[int]bool, len(ioWorldRanks))
	for _, r := range ioWorldRanks {
		ioSet[r] = true
	}

	result := make([]*CommSet, len(compWorldRanksByComponent))
	for c, compRanksWorld := range compWorldRanksByComponent {
		if len(compRanksWorld) < 1 {
			return nil, api.ErrInvalidArgument.WithContext("component", c).WithContext("reason", "empty rank list")
		}
		compView, isComp := NewView(world, compRanksWorld, absoluteSelf)
		if !isIo && !isComp {
			continue
		}

		unionMembers := make([]int, 0, len(ioWorldRanks)+len(compRanksWorld))
		unionMembers = append(unionMembers, ioWorldRanks...)
		unionMembers = append(unionMembers, compRanksWorld...)
		unionView, _ := NewView(world, unionMembers, absoluteSelf)

		compRanksUnion := make([]int, len(compRanksWorld))
		for i, abs := range compRanksWorld {
			compRanksUnion[i] = unionView.localOf(abs)
		}
		ioRanksUnion := make([]int, len(ioWorldRanks))
		for i, abs := range ioWorldRanks {
			ioRanksUnion[i] = unionView.localOf(abs)
		}

		compRoot := -1
		for _, r := range compRanksUnion {
			if compRoot == -1 || r < compRoot {
				compRoot = r
			}
		}
		// Simple form (spec §9 open question): first non-io rank found by
		// scanning the union comm in rank order, not a dynamic search.
		for r := 0; r < unionView.Size(); r++ {
			absR := unionView.absOf(r)
			if !ioSet[absR] {
				compRoot = r
				break
			}
		}

		cs := &CommSet{
			UnionComm:      unionView,
			Intercomm:      unionView, // flattened: see DESIGN.md
			CompRanks:      compRanksUnion,
			IoRanks:        ioRanksUnion,
			CompRoot:       compRoot,
			IoRoot:         ioRanksUnion[0],
			IsAsync:        true,
			IsCompProc:     isComp,
			IsIoProc:       isIo,
			ComponentIndex: c,
		}
		if isIo {
			cs.IoComm = ioView
		}
		if isComp {
			cs.CompComm = compView
		}
		result[c] = cs
	}
	return result, nil
}
