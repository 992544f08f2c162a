// Package filedriver defines the external file-backend contract the core
// engine writes against (C8), plus an in-memory reference implementation
// used by tests and by the decomposition file codec.
package filedriver

import "github.com/scidecomp/piorearrange/api"

// Driver is the pluggable file-format backend named in spec.md §6. The
// core engine never touches a concrete file format; it only drives this
// interface.
type Driver interface {
	Create(path string) error
	Open(path string) error
	Close() error

	EnterDefMode() error
	EndDefMode() error

	DefDim(name string, length int64) (int, error)
	DefVar(name string, dtype api.DataType, dimIDs []int) (int, error)

	WriteHyperslab(varID int, region api.Region, data []byte) error
	ReadHyperslab(varID int, region api.Region) ([]byte, error)

	Sync() error

	// SetDeflate and SetChunking are optional backend hints; a driver that
	// cannot honor them returns api.ErrNotSupported.
	SetDeflate(varID int, level int) error
	SetChunking(varID int, chunkSizes []int64) error
}
