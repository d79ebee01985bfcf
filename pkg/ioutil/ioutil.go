// Package ioutil provides I/O helpers for the transport layer.
package ioutil

import "io"

// limitedBufferReader caps how many bytes a single Read call may
// return, without bounding the total number of bytes read. It keeps
// one slow peer from monopolizing a connection read.
type limitedBufferReader struct {
	r      io.Reader
	bytesN int
}

func (r *limitedBufferReader) Read(p []byte) (int, error) {
	np := p
	if len(np) > r.bytesN {
		np = np[:r.bytesN:r.bytesN]
	}
	return r.r.Read(np)
}

// NewLimitedBufferReader returns an io.Reader that reads from r but
// returns at most bytesN bytes per Read call.
func NewLimitedBufferReader(r io.Reader, bytesN int) io.Reader {
	return &limitedBufferReader{
		r:      r,
		bytesN: bytesN,
	}
}
