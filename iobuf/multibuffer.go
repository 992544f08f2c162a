// Package iobuf implements the multi-variable write buffer (C6): darray
// writes sharing a decomposition are accumulated and flushed together, in
// append order.
package iobuf

import (
	"log"

	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/comm"
	"github.com/scidecomp/piorearrange/decomp"
	"github.com/scidecomp/piorearrange/filedriver"
	"github.com/scidecomp/piorearrange/rearrange"
	"github.com/scidecomp/piorearrange/transport"
)

// entryKey identifies one multi-variable buffer.
type entryKey struct {
	fileID int
	ioid   int
}

type appendRecord struct {
	varID     int
	frame     int
	fillValue any
	noFill    bool
}

// entry is one (file, ioid) buffer: an ordered list of appended variables
// sharing one contiguous payload area of num_arrays x arraylen elements.
type entry struct {
	ndof     int
	esize    int
	records  []appendRecord
	payload  []byte // len == len(records) * ndof * esize
	isRecord bool
}

// MultiBuffer is the per-iosystem table of pending darray writes.
type MultiBuffer struct {
	MaxBytes int64

	entries map[entryKey]*entry
}

// NewMultiBuffer builds an empty buffer table with the given flush
// threshold in bytes.
func NewMultiBuffer(maxBytes int64) *MultiBuffer {
	return &MultiBuffer{MaxBytes: maxBytes, entries: make(map[entryKey]*entry)}
}

// PutDarray implements spec §4.6's append_rule, flushing through drv via cs
// and desc's plan when the accumulated payload crosses MaxBytes or the
// caller asks for an immediate flush_to_disk.
func (mb *MultiBuffer) PutDarray(cs *comm.CommSet, desc *decomp.IoDesc, drv filedriver.Driver, opts api.FlowControlOptions, fileID, varID int, buf []byte, frame int, isRecordVar bool, fillValue any, noFill bool, flushToDisk bool) error {
	ndof := desc.LocalSize()
	esize := desc.Type.ByteSize()
	key := entryKey{fileID, desc.Ioid}

	if len(buf) != ndof*esize {
		return api.ErrInvalidArgument.WithContext("reason", "buffer length does not match ndof")
	}

	e, ok := mb.entries[key]
	if !ok {
		e = &entry{ndof: ndof, esize: esize, isRecord: isRecordVar}
		mb.entries[key] = e
	}
	if e.isRecord != isRecordVar {
		return api.ErrVarDimMismatch.WithContext("reason", "record/non-record variables cannot share a buffer entry")
	}

	e.records = append(e.records, appendRecord{varID: varID, frame: frame, fillValue: fillValue, noFill: noFill})
	e.payload = append(e.payload, buf...)

	if !flushToDisk && int64(len(e.payload)) <= mb.MaxBytes {
		return nil
	}
	if err := flush(cs, desc, drv, e, opts); err != nil {
		return err
	}
	if flushToDisk {
		delete(mb.entries, key)
	} else {
		e.records = nil
		e.payload = nil
	}
	return nil
}

// Flush forces the pending entry for (fileID, desc.Ioid) to disk, if any.
func (mb *MultiBuffer) Flush(cs *comm.CommSet, desc *decomp.IoDesc, drv filedriver.Driver, opts api.FlowControlOptions, fileID int) error {
	key := entryKey{fileID, desc.Ioid}
	e, ok := mb.entries[key]
	if !ok || len(e.records) == 0 {
		return nil
	}
	if err := flush(cs, desc, drv, e, opts); err != nil {
		return err
	}
	e.records = nil
	e.payload = nil
	return nil
}

// flush implements spec §4.6's flush algorithm for one entry: pack each
// variable's local buffer via the rearranger's send-side layout, swap it to
// the I/O ranks, then (on I/O ranks) scatter each received element into its
// global position and write the data regions and, if needed, the fill
// regions.
func flush(cs *comm.CommSet, desc *decomp.IoDesc, drv filedriver.Driver, e *entry, opts api.FlowControlOptions) error {
	plan := desc.Plan
	unionSize := cs.UnionComm.Size()

	for recIdx, rec := range e.records {
		localBuf := e.payload[recIdx*e.ndof*e.esize : (recIdx+1)*e.ndof*e.esize]

		sendBufs := make([][]byte, unionSize)
		sendByteCounts := make([]int, unionSize)
		for i, dest := range plan.Targets {
			count := plan.SCount[i]
			buf := make([]byte, count*e.esize)
			for j, localIdx := range plan.SLocal[i] {
				copy(buf[j*e.esize:], localBuf[localIdx*e.esize:(localIdx+1)*e.esize])
			}
			sendBufs[dest] = buf
			sendByteCounts[dest] = count * e.esize
		}

		recvByteCounts := make([]int, unionSize)
		for i, from := range plan.RFrom {
			recvByteCounts[from] = plan.RCount[i] * e.esize
		}

		recvBufs, err := transport.Swapm(cs.UnionComm, sendByteCounts, sendBufs, recvByteCounts, opts)
		if err != nil {
			return err
		}

		if cs.IsIoProc && len(plan.Regions) > 0 {
			ioBuf := make([]byte, plan.LLen*e.esize)
			for i, from := range plan.RFrom {
				data := recvBufs[from]
				positions := plan.RPos[i]
				for k, pos := range positions {
					offset, ok := rearrange.LocatePosition(desc.Dimlen, plan.Regions, pos)
					if !ok {
						return api.ErrInvalidDecomposition.WithContext("reason", "received position falls outside any region")
					}
					copy(ioBuf[offset*e.esize:], data[k*e.esize:(k+1)*e.esize])
				}
			}

			regionOffset := int64(0)
			for _, region := range plan.Regions {
				n := region.NumElements()
				data := ioBuf[regionOffset*int64(e.esize) : (regionOffset+n)*int64(e.esize)]
				if err := drv.WriteHyperslab(rec.varID, region, data); err != nil {
					return api.TransportError(0, "write hyperslab failed").WithContext("varid", rec.varID)
				}
				regionOffset += n
			}

			if plan.NeedsFill && !rec.noFill {
				fill := rec.fillValue
				if fill == nil {
					fill = desc.Type.DefaultFill()
				}
				fillElem := api.EncodeScalar(fill, e.esize)
				for _, region := range plan.FillRegions {
					data := repeatElement(fillElem, region.NumElements())
					if err := drv.WriteHyperslab(rec.varID, region, data); err != nil {
						return api.TransportError(0, "fill write failed").WithContext("varid", rec.varID)
					}
				}
			}
		}
	}
	log.Printf("iobuf: flushed %d variable(s) for ioid=%d", len(e.records), desc.Ioid)
	return nil
}

func repeatElement(elem []byte, n int64) []byte {
	out := make([]byte, 0, n*int64(len(elem)))
	for i := int64(0); i < n; i++ {
		out = append(out, elem...)
	}
	return out
}
