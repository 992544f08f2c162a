package rearrange

import "github.com/scidecomp/piorearrange/api"

// splitFlatRange decomposes the flat row-major range [start, end) over a
// shape dimlen into the minimal set of axis-aligned hyperslabs: a leading
// partial row, zero or more full "slabs" along the outermost dimension, and
// a trailing partial row, recursing into the trailing dimensions for the
// partial rows.
func splitFlatRange(dimlen []int64, start, end int64) []api.Region {
	if start >= end || len(dimlen) == 0 {
		return nil
	}
	if len(dimlen) == 1 {
		return []api.Region{{Start: []int64{start}, Count: []int64{end - start}}}
	}

	rowLen := product(dimlen[1:])
	var regions []api.Region

	startRow := start / rowLen
	startOff := start % rowLen
	endRow := end / rowLen
	endOff := end % rowLen

	cur := start
	if startOff != 0 {
		limit := rowLen
		if startRow == endRow {
			limit = endOff
		}
		for _, r := range splitFlatRange(dimlen[1:], startOff, limit) {
			regions = append(regions, api.Region{
				Start: append([]int64{startRow}, r.Start...),
				Count: append([]int64{1}, r.Count...),
			})
		}
		startRow++
		cur = startRow * rowLen
		if cur >= end {
			return regions
		}
	}

	fullEndRow := endRow
	if fullEndRow > startRow {
		zeros := make([]int64, len(dimlen)-1)
		regions = append(regions, api.Region{
			Start: append([]int64{startRow}, zeros...),
			Count: append([]int64{fullEndRow - startRow}, dimlen[1:]...),
		})
	}

	if endOff != 0 {
		for _, r := range splitFlatRange(dimlen[1:], 0, endOff) {
			regions = append(regions, api.Region{
				Start: append([]int64{endRow}, r.Start...),
				Count: append([]int64{1}, r.Count...),
			})
		}
	}
	return regions
}

// complementSpans computes the hole regions within [domainStart,domainEnd)
// given a sorted, non-overlapping list of covered flat spans (each a
// [start,end) pair already clipped to the domain).
func complementSpans(dimlen []int64, domainStart, domainEnd int64, covered [][2]int64) []api.Region {
	var holes []api.Region
	cur := domainStart
	for _, span := range covered {
		if span[0] > cur {
			holes = append(holes, splitFlatRange(dimlen, cur, span[0])...)
		}
		if span[1] > cur {
			cur = span[1]
		}
	}
	if cur < domainEnd {
		holes = append(holes, splitFlatRange(dimlen, cur, domainEnd)...)
	}
	return holes
}

// mergeSpans sorts and coalesces overlapping/adjacent [start,end) spans.
func mergeSpans(spans [][2]int64) [][2]int64 {
	if len(spans) == 0 {
		return nil
	}
	sortSpans(spans)
	merged := [][2]int64{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s[0] <= last[1] {
			if s[1] > last[1] {
				last[1] = s[1]
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func sortSpans(spans [][2]int64) {
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j][0] < spans[j-1][0]; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
}
