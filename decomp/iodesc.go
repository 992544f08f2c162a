// Package decomp implements the decomposition registry (C5): IoDesc
// construction from a per-rank compmap, stable-sort normalization, and the
// per-iosystem id table.
package decomp

import (
	"sort"
	"sync"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/comm"
	"github.com/scidecomp/piorearrange/rearrange"
)

const baseIoid = 512

// IoSystem wraps the rank-group topology for one I/O system together with
// the id allocator and decomposition table; all fields are mutated only
// from within a call collective over UnionComm (spec §5 shared resource
// policy), so no internal locking beyond the registry's own mutex is
// required.
type IoSystem struct {
	Comms *comm.CommSet

	mu       sync.Mutex
	nextIoid int64
	descs    map[int]*IoDesc
}

// NewIoSystem builds the decomposition registry for a CommSet.
func NewIoSystem(cs *comm.CommSet) *IoSystem {
	return &IoSystem{Comms: cs, nextIoid: baseIoid, descs: make(map[int]*IoDesc)}
}

// IoDesc is one decomposition descriptor, replicated with identical
// ndims/dimlen/rearranger/read_only on every rank of the owning iosystem.
type IoDesc struct {
	Ioid       int
	Type       api.DataType
	Ndims      int
	Dimlen     []int64
	Rearranger api.RearrangerType
	ReadOnly   bool
	NeedsSort  bool
	Remap      []int // original index -> position in the sorted map, len == len(original map)

	Plan *rearrange.Plan
}

// LocalSize returns the number of local elements this rank handles
// (ndof) for the decomposition.
func (d *IoDesc) LocalSize() int {
	if d.Plan == nil {
		return 0
	}
	n := 0
	for _, c := range d.Plan.SCount {
		n += c
	}
	return n
}

// normalizeMap stable-sorts a compmap that is not already nondecreasing
// among its nonzero entries, returning the sorted map and a remap such
// that sorted[remap[k]] == original[k] is the position every local buffer
// index k landed at. needs_sort reports whether any reordering occurred.
func normalizeMap(compmap []int64) (sorted []int64, remap []int, needsSort bool) {
	n := len(compmap)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	prev := int64(0)
	for _, v := range compmap {
		if v > 0 && v < prev {
			needsSort = true
			break
		}
		if v > 0 {
			prev = v
		}
	}
	if !needsSort {
		return append([]int64(nil), compmap...), idx, false
	}

	sort.SliceStable(idx, func(i, j int) bool {
		a, b := compmap[idx[i]], compmap[idx[j]]
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})

	sorted = make([]int64, n)
	remap = make([]int, n)
	for pos, orig := range idx {
		sorted[pos] = compmap[orig]
		remap[orig] = pos
	}
	return sorted, remap, true
}

// invertRemap turns remap (original index -> sorted position) into its
// inverse (sorted position -> original index), so rearranger plans can
// translate a sorted-map index back to the caller's own buffer layout.
func invertRemap(remap []int) []int {
	inv := make([]int, len(remap))
	for orig, pos := range remap {
		inv[pos] = orig
	}
	return inv
}

// anyNonzeroDuplicate reports whether sorted (nondecreasing among nonzero
// entries) contains a repeated nonzero value.
func anyNonzeroDuplicate(sorted []int64) bool {
	prev := int64(0)
	for _, v := range sorted {
		if v == 0 {
			continue
		}
		if v == prev {
			return true
		}
		prev = v
	}
	return false
}

// InitDecomp implements spec §4.5's init_decomp. rearranger selects Box or
// Subset; blockGranularity and maxRegions are pulled from the iosystem's
// runtime tunables (see control.ConfigStore).
func (s *IoSystem) InitDecomp(dtype api.DataType, dimlen []int64, compmap []int64, rearranger api.RearrangerType, blockGranularity int64, maxRegions int) (int, error) {
	if len(dimlen) == 0 {
		return 0, api.ErrInvalidArgument.WithContext("reason", "ndims must be positive")
	}
	for _, d := range dimlen {
		if d <= 0 {
			return 0, api.ErrInvalidArgument.WithContext("reason", "dimlen entries must be positive")
		}
	}
	if rearranger != api.Box && rearranger != api.Subset {
		return 0, api.ErrBadRearranger
	}

	sortedMap, remap, needsSort := normalizeMap(compmap)
	localReadOnly := anyNonzeroDuplicate(sortedMap)

	readOnly, err := reduceOrAcrossComp(s.Comms, localReadOnly)
	if err != nil {
		return 0, err
	}

	origIndex := invertRemap(remap)
	var plan *rearrange.Plan
	switch rearranger {
	case api.Box:
		plan, err = rearrange.BuildBoxPlan(s.Comms, dimlen, sortedMap, origIndex, blockGranularity)
	case api.Subset:
		plan, err = rearrange.BuildSubsetPlan(s.Comms, dimlen, sortedMap, origIndex, maxRegions)
	}
	if err != nil {
		return 0, err
	}

	ioid, err := s.allocateIoid()
	if err != nil {
		return 0, err
	}

	desc := &IoDesc{
		Ioid:       ioid,
		Type:       dtype,
		Ndims:      len(dimlen),
		Dimlen:     append([]int64(nil), dimlen...),
		Rearranger: rearranger,
		ReadOnly:   readOnly,
		NeedsSort:  needsSort,
		Remap:      remap,
		Plan:       plan,
	}

	s.mu.Lock()
	s.descs[ioid] = desc
	s.mu.Unlock()
	return ioid, nil
}

// FreeDecomp releases a decomposition; a second call on the same ioid
// returns BadId.
func (s *IoSystem) FreeDecomp(ioid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.descs[ioid]; !ok {
		return api.ErrBadId
	}
	delete(s.descs, ioid)
	return nil
}

// LocalSize returns ndof for ioid, or an error if ioid is unknown.
func (s *IoSystem) LocalSize(ioid int) (int, error) {
	s.mu.Lock()
	desc, ok := s.descs[ioid]
	s.mu.Unlock()
	if !ok {
		return 0, api.ErrBadId
	}
	return desc.LocalSize(), nil
}

// Lookup returns the descriptor for ioid.
func (s *IoSystem) Lookup(ioid int) (*IoDesc, error) {
	s.mu.Lock()
	desc, ok := s.descs[ioid]
	s.mu.Unlock()
	if !ok {
		return nil, api.ErrBadId
	}
	return desc, nil
}

// allocateIoid assigns the next id, broadcast from the I/O root when the
// iosystem is async so every rank agrees on the same value.
func (s *IoSystem) allocateIoid() (int, error) {
	if !s.Comms.IsAsync {
		s.mu.Lock()
		id := int(s.nextIoid)
		s.nextIoid++
		s.mu.Unlock()
		return id, nil
	}

	var counter int64
	if s.Comms.UnionComm.Rank() == s.Comms.IoRoot {
		s.mu.Lock()
		counter = s.nextIoid
		s.nextIoid++
		s.mu.Unlock()
	}
	id, err := bcastInt64(s.Comms.UnionComm, s.Comms.IoRoot, counter)
	if err != nil {
		return 0, err
	}
	return int(id), nil
}
