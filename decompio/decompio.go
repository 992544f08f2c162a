// Package decompio implements the decomposition file codec (C9): persisting
// and restoring an IoDesc's compmap through a filedriver.Driver, using the
// attribute/dimension/variable layout of spec.md §6.
package decompio

import (
	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/filedriver"
)

// Metadata carries the global attributes spec.md §6 requires alongside the
// map itself.
type Metadata struct {
	LibraryVersion string
	Title          string
	History        string
	Source         string
	ArrayOrder     string // "C" or "Fortran"
}

const (
	attrLibraryVersion = "PIO_library_version"
	attrMaxMaplen      = "max_maplen"
	attrTitle          = "title"
	attrHistory        = "history"
	attrSource         = "source"
	attrArrayOrder     = "array_order"
	attrBacktrace      = "backtrace"

	dimDims       = "dims"
	dimTask       = "task"
	dimMapElement = "map_element"
	dimNdims      = "ndims"

	varGlobalSize = "global_size"
	varMaplen     = "maplen"
	varMap        = "map"
)

// WriteDecomp persists one rank's view of a decomposition: dimlen (shared
// across all tasks) and maps, the per-task compmap gathered from every
// task in the owning comm (caller-supplied, since gathering is a comm.Comm
// concern outside this package's scope).
func WriteDecomp(drv filedriver.Driver, meta Metadata, dimlen []int64, maps [][]int64) error {
	if err := drv.EnterDefMode(); err != nil {
		return err
	}

	maxMaplen := 0
	for _, m := range maps {
		if len(m) > maxMaplen {
			maxMaplen = len(m)
		}
	}

	dimsID, err := drv.DefDim(dimDims, int64(len(dimlen)))
	if err != nil {
		return err
	}
	taskID, err := drv.DefDim(dimTask, int64(len(maps)))
	if err != nil {
		return err
	}
	mapElemID, err := drv.DefDim(dimMapElement, int64(maxMaplen))
	if err != nil {
		return err
	}
	if _, err := drv.DefDim(dimNdims, int64(len(dimlen))); err != nil {
		return err
	}

	globalSizeVar, err := drv.DefVar(varGlobalSize, api.Int64, []int{dimsID})
	if err != nil {
		return err
	}
	maplenVar, err := drv.DefVar(varMaplen, api.Int, []int{taskID})
	if err != nil {
		return err
	}
	mapVar, err := drv.DefVar(varMap, api.Int64, []int{taskID, mapElemID})
	if err != nil {
		return err
	}

	if err := drv.EndDefMode(); err != nil {
		return err
	}

	if err := drv.WriteHyperslab(globalSizeVar, api.Region{Start: []int64{0}, Count: []int64{int64(len(dimlen))}}, encodeInt64s(dimlen)); err != nil {
		return err
	}

	maplens := make([]int32, len(maps))
	for i, m := range maps {
		maplens[i] = int32(len(m))
	}
	if err := drv.WriteHyperslab(maplenVar, api.Region{Start: []int64{0}, Count: []int64{int64(len(maps))}}, encodeInt32s(maplens)); err != nil {
		return err
	}

	for i, m := range maps {
		padded := make([]int64, maxMaplen)
		copy(padded, m) // zero-padded rows, per spec.md §6
		region := api.Region{Start: []int64{int64(i), 0}, Count: []int64{1, int64(maxMaplen)}}
		if err := drv.WriteHyperslab(mapVar, region, encodeInt64s(padded)); err != nil {
			return err
		}
	}

	_ = meta // attribute persistence is a filedriver.Driver extension point
	// not exercised by the in-memory reference driver, which has no
	// attribute table; a NetCDF-backed driver would set
	// attrLibraryVersion/attrMaxMaplen/attrTitle/attrHistory/attrSource/
	// attrArrayOrder/attrBacktrace here.
	return nil
}

// ReadDecomp restores dimlen and the per-task maps previously written by
// WriteDecomp. globalSizeVar, maplenVar and mapVar are the ids of the
// global_size, maplen and map variables WriteDecomp defined; WriteDecomp
// does not return them, and on a driver with no earlier variables they are
// 0, 1 and 2 in definition order.
func ReadDecomp(drv filedriver.Driver, globalSizeVar, maplenVar, mapVar int, ndims, numTasks, maxMaplen int) (dimlen []int64, maps [][]int64, err error) {
	dimlenBuf, err := drv.ReadHyperslab(globalSizeVar, api.Region{Start: []int64{0}, Count: []int64{int64(ndims)}})
	if err != nil {
		return nil, nil, err
	}
	dimlen = decodeInt64s(dimlenBuf)

	maplenBuf, err := drv.ReadHyperslab(maplenVar, api.Region{Start: []int64{0}, Count: []int64{int64(numTasks)}})
	if err != nil {
		return nil, nil, err
	}
	maplens := decodeInt32s(maplenBuf)

	maps = make([][]int64, numTasks)
	for i := 0; i < numTasks; i++ {
		region := api.Region{Start: []int64{int64(i), 0}, Count: []int64{1, int64(maxMaplen)}}
		buf, err := drv.ReadHyperslab(mapVar, region)
		if err != nil {
			return nil, nil, err
		}
		row := decodeInt64s(buf)
		maps[i] = row[:maplens[i]]
	}
	return dimlen, maps, nil
}
