// Package bufferpool recycles the fixed-size length-prefix header buffers
// that internal/transport's TCP framing allocates on every frame read and
// write.
package bufferpool

import (
	"bytes"
	"errors"
)

// headerSize is the width of a length-prefixed frame's header: a 4-byte
// big-endian uint32.
const headerSize = 4

// BufferPool is a bounded pool of header-sized buffers.
type BufferPool struct {
	pool chan *bytes.Buffer
}

// New returns a BufferPool holding up to size buffers.
func New(size int) *BufferPool {
	return &BufferPool{
		pool: make(chan *bytes.Buffer, size),
	}
}

// Take returns a zeroed header buffer, recycled from the pool when one is
// available.
func (p *BufferPool) Take() (buf *bytes.Buffer) {
	select {
	case buf = <-p.pool:
		buf.Reset()
	default:
		buf = bytes.NewBuffer(make([]byte, 0, headerSize))
	}
	return
}

// Give returns buf to the pool. buf must hold exactly one header's worth of
// bytes; anything else is rejected rather than silently pooled.
func (p *BufferPool) Give(buf *bytes.Buffer) error {
	if buf.Len() != headerSize {
		return errors.New("bufferpool: buffer is not header-sized")
	}

	select {
	case p.pool <- buf:
	default:
		return errors.New("bufferpool: pool is full")
	}
	return nil
}
