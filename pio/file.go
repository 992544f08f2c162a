package pio

import (
	"github.com/scidecomp/piorearrange/api"
	"github.com/scidecomp/piorearrange/decomp"
	"github.com/scidecomp/piorearrange/dispatch"
	"github.com/scidecomp/piorearrange/filedriver"
	"github.com/scidecomp/piorearrange/rearrange"
	"github.com/scidecomp/piorearrange/transport"
)

// File is one open file handle, as named in spec.md §3.
type File struct {
	id     int
	driver filedriver.Driver
	vars   map[int]*VarDesc
	err    error // sticky: a flush failure poisons every later op on this file
}

// VarDesc describes one variable defined in a file, as named in spec.md §3.
type VarDesc struct {
	ID       int
	Name     string
	Type     api.DataType
	DimIDs   []int
	IsRecord bool
	FillVal  any
	NoFill   bool
}

// DefVar defines a variable on f's driver and records its VarDesc.
func (f *File) DefVar(name string, dtype api.DataType, dimIDs []int, isRecord bool) (*VarDesc, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, err := f.driver.DefVar(name, dtype, dimIDs)
	if err != nil {
		return nil, err
	}
	vd := &VarDesc{ID: id, Name: name, Type: dtype, DimIDs: dimIDs, IsRecord: isRecord, FillVal: dtype.DefaultFill()}
	f.vars[id] = vd
	return vd, nil
}

// EnterDefMode / EndDefMode proxy the file driver's define-mode toggles.
func (f *File) EnterDefMode() error { return f.driver.EnterDefMode() }
func (f *File) EndDefMode() error   { return f.driver.EndDefMode() }

// Sync flushes every pending buffer for this file and syncs the driver.
func (s *IoSystem) Sync(f *File, descs map[int]*decomp.IoDesc) error {
	if f.err != nil {
		return f.err
	}
	for ioid, desc := range descs {
		if err := s.Buffers.Flush(s.Comms, desc, f.driver, s.Opts, f.id); err != nil {
			f.err = err
			return err
		}
		_ = ioid
	}
	if s.Comms.IsIoProc {
		if err := f.driver.Sync(); err != nil {
			f.err = err
			return err
		}
	}
	return nil
}

// CloseFile flushes remaining buffers for every still-open decomposition on
// f and closes the driver.
func (s *IoSystem) CloseFile(f *File, descs map[int]*decomp.IoDesc) error {
	if err := s.Sync(f, descs); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.files, f.id)
	delete(s.frames, f.id)
	s.mu.Unlock()
	return f.driver.Close()
}

// PutDarray implements spec §4.6's put_darray entry point: buf is the
// caller's local array (ndof elements of desc.Type), appended to f's
// multi-variable buffer for desc.Ioid and flushed per the append rule.
func (s *IoSystem) PutDarray(f *File, vd *VarDesc, desc *decomp.IoDesc, buf []byte, flushToDisk bool) error {
	if f.err != nil {
		return f.err
	}
	if desc.ReadOnly {
		return api.ErrInvalidDecomposition
	}
	frame := s.currentFrame(f.id, vd.ID)
	if err := s.Buffers.PutDarray(s.Comms, desc, f.driver, s.Opts, f.id, vd.ID, buf, frame, vd.IsRecord, vd.FillVal, vd.NoFill, flushToDisk); err != nil {
		f.err = err
		return err
	}
	return nil
}

// GetDarray implements the unbuffered read path (spec.md §8's round-trip
// identity property): gather each I/O rank's covered elements from the
// file, swap them back to the owning computational ranks in the exact
// element order the write path used, and scatter into buf (ndof elements
// of desc.Type).
func (s *IoSystem) GetDarray(f *File, vd *VarDesc, desc *decomp.IoDesc, buf []byte) error {
	if f.err != nil {
		return f.err
	}
	plan := desc.Plan
	esize := desc.Type.ByteSize()
	unionSize := s.Comms.UnionComm.Size()

	sendBufs := make([][]byte, unionSize)
	sendByteCounts := make([]int, unionSize)
	if s.Comms.IsIoProc && len(plan.Regions) > 0 {
		ioBuf := make([]byte, plan.LLen*esize)
		regionOffset := int64(0)
		for _, region := range plan.Regions {
			n := region.NumElements()
			data, err := f.driver.ReadHyperslab(vd.ID, region)
			if err != nil {
				return api.TransportError(0, "read hyperslab failed").WithContext("varid", vd.ID)
			}
			copy(ioBuf[regionOffset*int64(esize):], data)
			regionOffset += n
		}

		for i, dest := range plan.RFrom {
			positions := plan.RPos[i]
			out := make([]byte, len(positions)*esize)
			for k, pos := range positions {
				offset, ok := rearrange.LocatePosition(desc.Dimlen, plan.Regions, pos)
				if !ok {
					return api.ErrInvalidDecomposition.WithContext("reason", "covered position falls outside any region")
				}
				copy(out[k*esize:], ioBuf[offset*esize:(offset+1)*esize])
			}
			sendBufs[dest] = out
			sendByteCounts[dest] = len(out)
		}
	}

	recvByteCounts := make([]int, unionSize)
	for i, dest := range plan.Targets {
		recvByteCounts[dest] = plan.SCount[i] * esize
	}

	recvBufs, err := transport.Swapm(s.Comms.UnionComm, sendByteCounts, sendBufs, recvByteCounts, s.Opts)
	if err != nil {
		return err
	}

	for i, dest := range plan.Targets {
		data := recvBufs[dest]
		for j, localIdx := range plan.SLocal[i] {
			copy(buf[localIdx*esize:(localIdx+1)*esize], data[j*esize:(j+1)*esize])
		}
	}
	return nil
}

// SetFrame sets the current record frame for varid on fileID: in sync
// mode, this is a local assignment; in async mode, the comp leader relays
// it through the dispatcher (spec.md §8 scenario S6).
func (s *IoSystem) SetFrame(fileID, varID, frame int) error {
	if s.Comms.IsAsync && s.Comms.IsCompProc {
		params := encodeSetFrameParams(fileID, varID, frame)
		if _, err := dispatch.SendCall(s.Comms, dispatch.TagSetFrame, params, false); err != nil {
			return err
		}
		s.setFrameLocal(fileID, varID, frame)
		return nil
	}
	s.setFrameLocal(fileID, varID, frame)
	return nil
}

// AdvanceFrame increments the current record frame for varid on fileID.
func (s *IoSystem) AdvanceFrame(fileID, varID int) error {
	return s.SetFrame(fileID, varID, s.currentFrame(fileID, varID)+1)
}

func (s *IoSystem) currentFrame(fileID, varID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.frames[fileID]; ok {
		return m[varID]
	}
	return 0
}

func (s *IoSystem) setFrameLocal(fileID, varID, frame int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.frames[fileID]
	if !ok {
		m = make(map[int]int)
		s.frames[fileID] = m
	}
	m[varID] = frame
}

// registerSetFrameHandler wires TagSetFrame into the I/O-side dispatch
// table, so RunIoDispatchLoop can service scenario S6's round-trip.
func (s *IoSystem) registerSetFrameHandler() {
	s.dispatcher.Register(dispatch.TagSetFrame, false, func(params []byte) ([]byte, error) {
		fileID, varID, frame := decodeSetFrameParams(params)
		s.setFrameLocal(fileID, varID, frame)
		return nil, nil
	})
}
