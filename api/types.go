// Package api holds the shared contracts and value types used across the
// decomposition engine: data types, error codes, rearranger selection and
// flow-control defaults.
package api

// DataType is the fixed element-type enumeration supported by the engine.
type DataType int

const (
	Byte DataType = iota
	Char
	Short
	Int
	Float
	Double
	UByte
	UShort
	UInt
	Int64
	UInt64
	String
)

type typeInfo struct {
	size    int
	fill    any
	name    string
}

var typeTable = map[DataType]typeInfo{
	Byte:    {1, byte(0xff), "byte"},
	Char:    {1, byte(0), "char"},
	Short:   {2, int16(-32767), "short"},
	Int:     {4, int32(-2147483647), "int"},
	Float:   {4, float32(9.9692099683868690e+36), "float"},
	Double:  {8, float64(9.9692099683868690e+36), "double"},
	UByte:   {1, byte(0xff), "ubyte"},
	UShort:  {2, uint16(0xffff), "ushort"},
	UInt:    {4, uint32(0xffffffff), "uint"},
	Int64:   {8, int64(-9223372036854775806), "int64"},
	UInt64:  {8, uint64(0xffffffffffffffff), "uint64"},
	String:  {1, "", "string"},
}

// ByteSize returns the on-the-wire element size for t.
func (t DataType) ByteSize() int {
	return typeTable[t].size
}

// DefaultFill returns the type's default fill value.
func (t DataType) DefaultFill() any {
	return typeTable[t].fill
}

// String implements fmt.Stringer.
func (t DataType) String() string {
	if info, ok := typeTable[t]; ok {
		return info.name
	}
	return "unknown"
}

// RearrangerType selects the strategy used to build a decomposition's
// communication plan.
type RearrangerType int

const (
	// Box divides the global array into contiguous chunks, one per I/O rank.
	Box RearrangerType = iota + 1
	// Subset partitions computational ranks into disjoint subsets.
	Subset
)

func (r RearrangerType) String() string {
	switch r {
	case Box:
		return "box"
	case Subset:
		return "subset"
	default:
		return "unknown"
	}
}

// ErrorHandler selects how a collective failure is propagated.
type ErrorHandler int

const (
	// InternalError aborts the current process.
	InternalError ErrorHandler = iota
	// BcastError broadcasts the error code across the computational comm so
	// every rank observes the same return value.
	BcastError
	// ReturnError returns the error only to the local caller.
	ReturnError
)

// DefaultErrorHandler is the library-wide default, per spec.
const DefaultErrorHandler = InternalError
