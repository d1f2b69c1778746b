package charset

import "bytes"

// SniffLen is the number of leading bytes inspected by IsBinary.
const SniffLen = 8 << 10

// binaryControlRatio is the share of control bytes above which content is binary.
const binaryControlRatio = 0.3

// IsBinary reports whether buf looks like binary data: it contains a NUL byte,
// or more than 30% of its first SniffLen bytes are control characters other
// than tab, line feed, carriage return and escape (used by ISO-2022-JP).
func IsBinary(buf []byte) bool {
	if len(buf) > SniffLen {
		buf = buf[:SniffLen]
	}
	if len(buf) == 0 {
		return false
	}
	if bytes.IndexByte(buf, 0) >= 0 {
		return true
	}

	control := 0
	for _, b := range buf {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' && b != 0x1b {
			control++
		}
	}
	return float64(control)/float64(len(buf)) > binaryControlRatio
}
