package comm

import "errors"

var (
	errClosed  = errors.New("comm: inbox closed")
	errBadRank = errors.New("comm: rank out of range")
)
