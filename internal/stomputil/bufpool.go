package stomputil

import (
	"bufio"
	"io"
	"sync"
)

var bufioWriterPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewWriterSize(nil, 2*1024)
	},
}

// NewBufioWriter returns a pooled bufio.Writer reset to w. Return it
// with PutBufioWriter after flushing.
func NewBufioWriter(w io.Writer) *bufio.Writer {
	bw := bufioWriterPool.Get().(*bufio.Writer)
	bw.Reset(w)
	return bw
}

// PutBufioWriter detaches the writer from its underlying stream and
// returns it to the pool.
func PutBufioWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	bufioWriterPool.Put(bw)
}
