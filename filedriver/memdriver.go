package filedriver

import (
	"github.com/scidecomp/piorearrange/api"
)

type dimEntry struct {
	name   string
	length int64
}

type varEntry struct {
	name   string
	dtype  api.DataType
	dimIDs []int
	data   map[int64][]byte // keyed by flat element offset within the variable
}

// MemDriver is an in-memory Driver used by tests and by decompio: each
// variable is a sparse map from flat element offset to its raw bytes,
// written and read one hyperslab at a time.
type MemDriver struct {
	path      string
	open      bool
	defineOK  bool
	dims      []dimEntry
	vars      []varEntry
	deflate   map[int]int
	chunkSize map[int][]int64
}

// NewMemDriver constructs an empty in-memory driver instance.
func NewMemDriver() *MemDriver {
	return &MemDriver{deflate: make(map[int]int), chunkSize: make(map[int][]int64)}
}

func (m *MemDriver) Create(path string) error {
	m.path = path
	m.open = true
	m.defineOK = true
	return nil
}

func (m *MemDriver) Open(path string) error {
	if !m.open || m.path != path {
		return api.ErrBadId.WithContext("path", path)
	}
	return nil
}

func (m *MemDriver) Close() error {
	m.open = false
	return nil
}

func (m *MemDriver) EnterDefMode() error {
	m.defineOK = true
	return nil
}

func (m *MemDriver) EndDefMode() error {
	m.defineOK = false
	return nil
}

func (m *MemDriver) DefDim(name string, length int64) (int, error) {
	if !m.defineOK {
		return 0, api.ErrNotSupported.WithContext("reason", "not in define mode")
	}
	m.dims = append(m.dims, dimEntry{name: name, length: length})
	return len(m.dims) - 1, nil
}

func (m *MemDriver) DefVar(name string, dtype api.DataType, dimIDs []int) (int, error) {
	if !m.defineOK {
		return 0, api.ErrNotSupported.WithContext("reason", "not in define mode")
	}
	m.vars = append(m.vars, varEntry{name: name, dtype: dtype, dimIDs: append([]int(nil), dimIDs...), data: make(map[int64][]byte)})
	return len(m.vars) - 1, nil
}

func (m *MemDriver) varShape(varID int) ([]int64, error) {
	if varID < 0 || varID >= len(m.vars) {
		return nil, api.ErrBadId.WithContext("varid", varID)
	}
	v := m.vars[varID]
	shape := make([]int64, len(v.dimIDs))
	for i, d := range v.dimIDs {
		shape[i] = m.dims[d].length
	}
	return shape, nil
}

func (m *MemDriver) WriteHyperslab(varID int, region api.Region, data []byte) error {
	shape, err := m.varShape(varID)
	if err != nil {
		return err
	}
	esize := m.vars[varID].dtype.ByteSize()
	n := region.NumElements()
	if int64(len(data)) != n*int64(esize) {
		return api.ErrInvalidArgument.WithContext("reason", "data length does not match region element count")
	}
	offsets := flatOffsetsForRegion(shape, region)
	for i, off := range offsets {
		m.vars[varID].data[off] = append([]byte(nil), data[int64(i)*int64(esize):int64(i+1)*int64(esize)]...)
	}
	return nil
}

func (m *MemDriver) ReadHyperslab(varID int, region api.Region) ([]byte, error) {
	shape, err := m.varShape(varID)
	if err != nil {
		return nil, err
	}
	esize := m.vars[varID].dtype.ByteSize()
	offsets := flatOffsetsForRegion(shape, region)
	out := make([]byte, int64(len(offsets))*int64(esize))
	fill := m.vars[varID].dtype.DefaultFill()
	fillBytes := api.EncodeScalar(fill, esize)
	for i, off := range offsets {
		b, ok := m.vars[varID].data[off]
		if !ok {
			b = fillBytes
		}
		copy(out[int64(i)*int64(esize):], b)
	}
	return out, nil
}

func (m *MemDriver) Sync() error { return nil }

func (m *MemDriver) SetDeflate(varID int, level int) error {
	m.deflate[varID] = level
	return nil
}

func (m *MemDriver) SetChunking(varID int, chunkSizes []int64) error {
	m.chunkSize[varID] = append([]int64(nil), chunkSizes...)
	return nil
}

// flatOffsetsForRegion enumerates the row-major flat element offsets
// covered by region within shape, in the same order the hyperslab's bytes
// are laid out.
func flatOffsetsForRegion(shape []int64, region api.Region) []int64 {
	n := len(shape)
	if n == 0 {
		return nil
	}
	strides := make([]int64, n)
	stride := int64(1)
	for i := n - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	total := region.NumElements()
	offsets := make([]int64, 0, total)
	idx := make([]int64, n)
	for i := int64(0); i < total; i++ {
		var flat int64
		for d := 0; d < n; d++ {
			flat += (region.Start[d] + idx[d]) * strides[d]
		}
		offsets = append(offsets, flat)
		for d := n - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < region.Count[d] {
				break
			}
			idx[d] = 0
		}
	}
	return offsets
}
