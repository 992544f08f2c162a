package pio

import "encoding/binary"

// encodeSetFrameParams/decodeSetFrameParams implement the declarative
// parameter schedule for TagSetFrame: three 4-byte big-endian ints
// (fileID, varID, frame), matching the "shape then payload" schedule of
// spec.md §4.7 — here the shape is fixed, so the schedule collapses to a
// fixed-width payload.
func encodeSetFrameParams(fileID, varID, frame int) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:], uint32(fileID))
	binary.BigEndian.PutUint32(buf[4:], uint32(varID))
	binary.BigEndian.PutUint32(buf[8:], uint32(frame))
	return buf
}

func decodeSetFrameParams(buf []byte) (fileID, varID, frame int) {
	fileID = int(binary.BigEndian.Uint32(buf[0:]))
	varID = int(binary.BigEndian.Uint32(buf[4:]))
	frame = int(binary.BigEndian.Uint32(buf[8:]))
	return
}
