// Package rearrange implements the box (C3) and subset (C4) rearrangers:
// both turn a per-rank compmap into a communication Plan consumed by the
// transport (C2) and multi-variable write buffer (C6).
package rearrange

import "github.com/scidecomp/piorearrange/api"

// Plan is the communication plan for one rank's view of a decomposition. A
// sync-mode rank that is both a computational and an I/O rank populates
// both the send-side and receive-side fields.
type Plan struct {
	// Send side (populated on computational ranks).
	Targets  []int     // union-comm rank number of each destination slot
	SCount   []int     // element count per destination slot
	SLocal   [][]int   // local buffer indices (into the caller's array) to gather, per destination
	SDestPos [][]int64 // matching flat global (0-based) position, per destination

	// Receive side (populated on I/O ranks).
	RFrom       []int     // union-comm rank numbers of senders, ascending
	RCount      []int     // element count expected from each sender
	RPos        [][]int64 // flat global destination position of each element, in the same order the sender packs its message, per RFrom entry
	Regions     []api.Region
	LLen        int
	MaxIOBufLen int
	NeedsFill   bool
	FillRegions []api.Region

	Rearranger api.RearrangerType
}

// flatten converts row-major multi-dim Start coordinates to a flat 0-based
// offset.
func flatten(start []int64, dimlen []int64) int64 {
	var off int64
	for i := range start {
		stride := int64(1)
		for j := i + 1; j < len(dimlen); j++ {
			stride *= dimlen[j]
		}
		off += start[i] * stride
	}
	return off
}

// unflatten converts a flat 0-based row-major offset back to coordinates.
func unflatten(flat int64, dimlen []int64) []int64 {
	coords := make([]int64, len(dimlen))
	rem := flat
	for i := len(dimlen) - 1; i >= 0; i-- {
		coords[i] = rem % dimlen[i]
		rem /= dimlen[i]
	}
	return coords
}

func product(dimlen []int64) int64 {
	p := int64(1)
	for _, d := range dimlen {
		p *= d
	}
	return p
}

// LocatePosition finds which region (if any) a flat destination position
// belongs to, and its offset within that region's contiguous local buffer
// span. Regions are searched in order; both rearrangers build them already
// sorted by flat start, and the region count is small (≤ max_regions), so a
// linear scan is simple and sufficiently fast. Used by the write buffer to
// scatter incoming swap data (grouped by sender, not by position) into the
// right place in the I/O-side contiguous buffer.
func LocatePosition(dimlen []int64, regions []api.Region, destPos int64) (int, bool) {
	for _, r := range regions {
		flatStart := flatten(r.Start, dimlen)
		count := r.NumElements()
		if destPos >= flatStart && destPos < flatStart+count {
			return int(r.ElementOffset + (destPos - flatStart)), true
		}
	}
	return 0, false
}
