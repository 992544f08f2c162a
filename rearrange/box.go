// Box rearranger (C3): divides the flattened global array into contiguous,
// block-quantized chunks, one per I/O rank, and builds the send/recv plan
// from each rank's compmap by locating the owning chunk for every nonzero
// entry.
package rearrange

import (
	"encoding/binary"
	"sort"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/comm"
)

const tagBoxPlan = 9101

// boxChunks divides total elements into numIOTasks contiguous chunks,
// quantized to blockGranularity. Trailing chunks beyond the covered range
// are empty; numAiotasks reports how many are non-empty.
func boxChunks(total int64, numIOTasks int, blockGranularity int64) (starts []int64, numAiotasks int) {
	if blockGranularity < 1 {
		blockGranularity = 1
	}
	raw := (total + int64(numIOTasks) - 1) / int64(numIOTasks)
	quant := ((raw + blockGranularity - 1) / blockGranularity) * blockGranularity
	if quant < 1 {
		quant = 1
	}
	starts = make([]int64, numIOTasks+1)
	for i := 0; i <= numIOTasks; i++ {
		s := int64(i) * quant
		if s > total {
			s = total
		}
		starts[i] = s
	}
	for i := 0; i < numIOTasks; i++ {
		if starts[i+1] > starts[i] {
			numAiotasks++
		}
	}
	return starts, numAiotasks
}

func ownerChunk(starts []int64, g int64) int {
	// Binary search over chunk boundaries for the chunk containing g.
	lo, hi := 0, len(starts)-2
	for lo <= hi {
		mid := (lo + hi) / 2
		if g < starts[mid] {
			hi = mid - 1
		} else if g >= starts[mid+1] {
			lo = mid + 1
		} else {
			return mid
		}
	}
	return len(starts) - 2
}

func encodePositions(pos []int64) []byte {
	buf := make([]byte, 8*len(pos))
	for i, p := range pos {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(p))
	}
	return buf
}

func decodePositions(buf []byte) []int64 {
	n := len(buf) / 8
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = int64(binary.BigEndian.Uint64(buf[i*8:]))
	}
	return out
}

// BuildBoxPlan computes this rank's Plan for the box rearranger. localMap is
// the already-sorted, normalized compmap (1-based offsets, 0 = skip).
// origIndex[k] is the index into the caller's original (unsorted) buffer
// that localMap[k] came from; when the compmap needed no sort, origIndex is
// the identity permutation.
func BuildBoxPlan(cs *comm.CommSet, dimlen []int64, localMap []int64, origIndex []int, blockGranularity int64) (*Plan, error) {
	total := product(dimlen)
	numIOTasks := len(cs.IoRanks)
	if numIOTasks < 1 {
		return nil, api.ErrInvalidArgument.WithContext("reason", "no io tasks")
	}
	// Round the granularity up to whole leading-dimension rows so every
	// chunk is a single hyperslab (see chunkShape).
	if len(dimlen) > 1 {
		rowLen := product(dimlen[1:])
		if blockGranularity < 1 {
			blockGranularity = 1
		}
		blockGranularity = ((blockGranularity + rowLen - 1) / rowLen) * rowLen
	}
	chunkStarts, _ := boxChunks(total, numIOTasks, blockGranularity)

	plan := &Plan{Rearranger: api.Box}

	// Bucket local nonzero map entries by owning chunk.
	perDestLocal := make([][]int, numIOTasks)
	perDestPos := make([][]int64, numIOTasks)
	if cs.IsCompProc {
		for k, v := range localMap {
			if v == 0 {
				continue
			}
			g := v - 1
			j := ownerChunk(chunkStarts, g)
			perDestLocal[j] = append(perDestLocal[j], origIndex[k])
			perDestPos[j] = append(perDestPos[j], g)
		}
	}

	unionSize := cs.UnionComm.Size()
	sendMsg := make([][]byte, unionSize)
	for j := 0; j < numIOTasks; j++ {
		if len(perDestPos[j]) == 0 {
			continue
		}
		dest := cs.IoRanks[j]
		sendMsg[dest] = encodePositions(perDestPos[j])
	}

	recv, err := cs.UnionComm.AllToAllV(tagBoxPlan, sendMsg)
	if err != nil {
		return nil, api.TransportError(0, "box plan exchange failed")
	}

	if cs.IsCompProc {
		plan.Targets = make([]int, 0, numIOTasks)
		plan.SCount = make([]int, 0, numIOTasks)
		plan.SLocal = make([][]int, 0, numIOTasks)
		plan.SDestPos = make([][]int64, 0, numIOTasks)
		for j := 0; j < numIOTasks; j++ {
			if len(perDestLocal[j]) == 0 {
				continue
			}
			plan.Targets = append(plan.Targets, cs.IoRanks[j])
			plan.SCount = append(plan.SCount, len(perDestLocal[j]))
			plan.SLocal = append(plan.SLocal, perDestLocal[j])
			plan.SDestPos = append(plan.SDestPos, perDestPos[j])
		}
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
		chunkStart, chunkEnd := chunkStarts[myIdx], chunkStarts[myIdx+1]

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

		var spans [][2]int64
		for _, f := range froms {
			plan.RFrom = append(plan.RFrom, f.rank)
			plan.RCount = append(plan.RCount, len(f.pos))
			plan.RPos = append(plan.RPos, f.pos)
			for _, p := range f.pos {
				spans = append(spans, [2]int64{p, p + 1})
			}
		}
		// The I/O buffer backs the whole chunk region; slots no sender covers
		// are overwritten by the fill regions at flush.
		llen := int(chunkEnd - chunkStart)
		plan.LLen = llen

		region := api.Region{Start: unflatten(chunkStart, dimlen), Count: chunkShape(chunkStart, chunkEnd, dimlen), ElementOffset: 0}
		plan.Regions = []api.Region{region}

		merged := mergeSpans(spans)
		plan.FillRegions = complementSpans(dimlen, chunkStart, chunkEnd, merged)
		plan.NeedsFill = len(plan.FillRegions) > 0

		maxLen, err := reduceMaxThenBcast(cs, llen)
		if err != nil {
			return nil, err
		}
		plan.MaxIOBufLen = maxLen
	}

	return plan, nil
}

// chunkShape returns the Count array for a box chunk spanning flat
// [start,end) — valid because a box chunk, by construction, is always a
// contiguous run of whole leading-dimension rows (or a sub-range of the
// single dimension in the 1-D case).
func chunkShape(start, end int64, dimlen []int64) []int64 {
	if len(dimlen) == 1 {
		return []int64{end - start}
	}
	rowLen := product(dimlen[1:])
	rows := (end - start) / rowLen
	count := make([]int64, len(dimlen))
	count[0] = rows
	copy(count[1:], dimlen[1:])
	return count
}

// reduceMaxThenBcast computes max(value) across the I/O comm and returns it
// to every I/O rank; used for max_iobuf_len bookkeeping.
func reduceMaxThenBcast(cs *comm.CommSet, value int) (int, error) {
	ioC := cs.IoComm
	root := 0
	if ioC.Rank() == root {
		max := value
		for i := 1; i < ioC.Size(); i++ {
			buf, _, err := ioC.Recv(i, tagMaxReduce)
			if err != nil {
				return 0, err
			}
			v := int(binary.BigEndian.Uint64(buf))
			if v > max {
				max = v
			}
		}
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, uint64(max))
		if _, err := ioC.Bcast(root, tagMaxReduce, out); err != nil {
			return 0, err
		}
		return max, nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	if err := ioC.Send(root, tagMaxReduce, buf); err != nil {
		return 0, err
	}
	out, err := ioC.Bcast(root, tagMaxReduce, nil)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint64(out)), nil
}

const tagMaxReduce = 9102
