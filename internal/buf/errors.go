package buf

import "errors"

// ErrTruncated is returned when an operation needs more bytes than a
// Bytes handle currently holds.
var ErrTruncated = errors.New("buf: truncated")
