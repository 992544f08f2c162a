// Subset rearranger (C4): partitions computational ranks into disjoint
// subsets, one per I/O rank, via deterministic round robin; each subset
// ships its nonzero compmap entries to its I/O rank, which sorts and
// coalesces them into a region chain capped at max_regions.
package rearrange

import (
	"sort"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/comm"
)

const (
	tagSubsetPlan = 9201
	tagSpanGather = 9202
)

// BuildSubsetPlan computes this rank's Plan for the subset rearranger.
// localMap is the already-sorted, normalized compmap. origIndex[k] is the
// index into the caller's original (unsorted) buffer that localMap[k] came
// from; when the compmap needed no sort, origIndex is the identity
// permutation. maxRegions caps the number of hyperslab regions an I/O rank
// will coalesce its data into.
func BuildSubsetPlan(cs *comm.CommSet, dimlen []int64, localMap []int64, origIndex []int, maxRegions int) (*Plan, error) {
	numIOTasks := len(cs.IoRanks)
	if numIOTasks < 1 {
		return nil, api.ErrInvalidArgument.WithContext("reason", "no io tasks")
	}
	if maxRegions < 1 {
		maxRegions = 1
	}
	total := product(dimlen)
	// Fill-responsibility domains: a box-style division of the flat global
	// array purely for deciding which I/O rank fills which holes — subset
	// data routing is independent of this division (see DESIGN.md).
	domainStarts, _ := boxChunks(total, numIOTasks, 1)

	plan := &Plan{Rearranger: api.Subset}

	compLocalIdx := -1
	if cs.IsCompProc {
		myUnionRank := cs.UnionComm.Rank()
		for i, r := range cs.CompRanks {
			if r == myUnionRank {
				compLocalIdx = i
				break
			}
		}
	}

	var myPos []int64
	var myLocal []int
	if compLocalIdx >= 0 {
		for k, v := range localMap {
			if v == 0 {
				continue
			}
			myPos = append(myPos, v-1)
			myLocal = append(myLocal, origIndex[k])
		}
	}

	unionSize := cs.UnionComm.Size()
	sendMsg := make([][]byte, unionSize)
	if compLocalIdx >= 0 && len(myPos) > 0 {
		mySubset := compLocalIdx % numIOTasks
		dest := cs.IoRanks[mySubset]
		sendMsg[dest] = encodePositions(myPos)
		plan.Targets = []int{dest}
		plan.SCount = []int{len(myPos)}
		plan.SLocal = [][]int{myLocal}
		plan.SDestPos = [][]int64{myPos}
	}

	recv, err := cs.UnionComm.AllToAllV(tagSubsetPlan, sendMsg)
	if err != nil {
		return nil, api.TransportError(0, "subset plan exchange failed")
	}

	if cs.IsIoProc {
		myUnionRank := cs.UnionComm.Rank()
		myIdx := -1
		for i, r := range cs.IoRanks {
			if r == myUnionRank {
				myIdx = i
				break
			}
		}
		domainStart, domainEnd := domainStarts[myIdx], domainStarts[myIdx+1]

		type fromEntry struct {
			rank int
			pos  []int64
		}
		var froms []fromEntry
		for src, buf := range recv {
			if len(buf) == 0 {
				continue
			}
			froms = append(froms, fromEntry{rank: src, pos: decodePositions(buf)})
		}
		sort.Slice(froms, func(i, j int) bool { return froms[i].rank < froms[j].rank })

		var allPos []int64
		for _, f := range froms {
			plan.RFrom = append(plan.RFrom, f.rank)
			plan.RCount = append(plan.RCount, len(f.pos))
			plan.RPos = append(plan.RPos, f.pos)
			allPos = append(allPos, f.pos...)
		}
		plan.LLen = len(allPos)
		sort.Slice(allPos, func(i, j int) bool { return allPos[i] < allPos[j] })

		trueRuns := coalesce(allPos)
		cappedRuns := capRegions(trueRuns, maxRegions)

		var offset int64
		for _, s := range cappedRuns {
			for _, r := range splitFlatRange(dimlen, s[0], s[1]) {
				r.ElementOffset = offset
				offset += r.NumElements()
				plan.Regions = append(plan.Regions, r)
			}
		}

		globalCovered, err := exchangeAllCoveredSpans(cs.IoComm, trueRuns)
		if err != nil {
			return nil, err
		}
		clipped := clipSpans(globalCovered, domainStart, domainEnd)
		plan.FillRegions = complementSpans(dimlen, domainStart, domainEnd, clipped)
		plan.NeedsFill = len(plan.FillRegions) > 0

		maxLen, err := reduceMaxThenBcast(cs, plan.LLen)
		if err != nil {
			return nil, err
		}
		plan.MaxIOBufLen = maxLen
	}

	return plan, nil
}

// coalesce merges a sorted slice of individual flat positions into maximal
// contiguous [start,end) runs.
func coalesce(sortedPos []int64) [][2]int64 {
	if len(sortedPos) == 0 {
		return nil
	}
	runs := [][2]int64{{sortedPos[0], sortedPos[0] + 1}}
	for _, p := range sortedPos[1:] {
		last := &runs[len(runs)-1]
		if p == last[1] {
			last[1] = p + 1
			continue
		}
		if p < last[1] {
			continue // duplicate position, already covered
		}
		runs = append(runs, [2]int64{p, p + 1})
	}
	return runs
}

// capRegions merges the smallest gaps between adjacent runs until at most
// maxRegions remain.
func capRegions(runs [][2]int64, maxRegions int) [][2]int64 {
	runs = append([][2]int64(nil), runs...)
	for len(runs) > maxRegions && len(runs) > 1 {
		bestIdx, bestGap := 0, int64(-1)
		for i := 0; i < len(runs)-1; i++ {
			gap := runs[i+1][0] - runs[i][1]
			if bestGap < 0 || gap < bestGap {
				bestGap, bestIdx = gap, i
			}
		}
		runs[bestIdx][1] = runs[bestIdx+1][1]
		runs = append(runs[:bestIdx+1], runs[bestIdx+2:]...)
	}
	return runs
}

// clipSpans intersects each span with [lo,hi) and drops empty results.
func clipSpans(spans [][2]int64, lo, hi int64) [][2]int64 {
	var out [][2]int64
	for _, s := range spans {
		a, b := s[0], s[1]
		if a < lo {
			a = lo
		}
		if b > hi {
			b = hi
		}
		if a < b {
			out = append(out, [2]int64{a, b})
		}
	}
	return out
}

// exchangeAllCoveredSpans gathers every I/O rank's covered spans to every
// other I/O rank, so each can compute the holes in its own fill domain even
// when the data routing (subset assignment) does not align with that
// domain.
func exchangeAllCoveredSpans(ioComm comm.Comm, mySpans [][2]int64) ([][2]int64, error) {
	flat := make([]int64, 0, len(mySpans)*2)
	for _, s := range mySpans {
		flat = append(flat, s[0], s[1])
	}
	encoded := encodePositions(flat)
	n := ioComm.Size()
	sendMsg := make([][]byte, n)
	for i := range sendMsg {
		sendMsg[i] = encoded
	}
	recv, err := ioComm.AllToAllV(tagSpanGather, sendMsg)
	if err != nil {
		return nil, err
	}
	var all [][2]int64
	for _, buf := range recv {
		flat := decodePositions(buf)
		for i := 0; i+1 < len(flat); i += 2 {
			all = append(all, [2]int64{flat[i], flat[i+1]})
		}
	}
	return mergeSpans(all), nil
}
