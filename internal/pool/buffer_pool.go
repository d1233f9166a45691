package pool

import "sync"

// ReadBufferSize is the size of buffers handed out by GetBuffer.
const ReadBufferSize = 4096

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, ReadBufferSize)
		return &b
	},
}

// GetBuffer returns a ReadBufferSize byte slice from the pool.
func GetBuffer() *[]byte {
	b, _ := bufPool.Get().(*[]byte)
	return b
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool.
func PutBuffer(b *[]byte) {
	if b == nil || cap(*b) < ReadBufferSize {
		return
	}
	*b = (*b)[:ReadBufferSize]
	bufPool.Put(b)
}
