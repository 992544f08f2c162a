package api

import (
	"encoding/binary"
	"math"
)

// EncodeScalar renders a fill value (one of the concrete types returned by
// DataType.DefaultFill, or a caller-supplied override of the same family)
// as esize little-endian bytes.
func EncodeScalar(value any, esize int) []byte {
	buf := make([]byte, esize)
	switch v := value.(type) {
	case byte:
		buf[0] = v
	case int16:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case uint16:
		binary.LittleEndian.PutUint16(buf, v)
	case int32:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case uint32:
		binary.LittleEndian.PutUint32(buf, v)
	case float32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	case float64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	case int64:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	case uint64:
		binary.LittleEndian.PutUint64(buf, v)
	case string:
		copy(buf, v)
	}
	return buf
}
