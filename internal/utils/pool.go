package utils

import (
	"bytes"
	"strings"
	"sync"
)

// maxPooledBufferSize is the largest buffer returned to the pool. Bigger ones
// are dropped to keep a burst of huge events from pinning memory.
const maxPooledBufferSize = 64 * 1024

// BufferPool reduces allocation churn on the streaming hot path.
var BufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuffer retrieves a buffer from the pool.
func GetBuffer() *bytes.Buffer {
	return BufferPool.Get().(*bytes.Buffer)
}

// PutBuffer resets the buffer and returns it to the pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	BufferPool.Put(buf)
}

// StringBuilderPool provides reusable string builders.
var StringBuilderPool = sync.Pool{
	New: func() any {
		return new(strings.Builder)
	},
}

// GetStringBuilder retrieves a reset string builder from the pool.
func GetStringBuilder() *strings.Builder {
	sb := StringBuilderPool.Get().(*strings.Builder)
	sb.Reset()
	return sb
}

// PutStringBuilder returns a string builder to the pool.
func PutStringBuilder(sb *strings.Builder) {
	if sb == nil || sb.Cap() > maxPooledBufferSize {
		return
	}
	StringBuilderPool.Put(sb)
}
